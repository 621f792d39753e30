package registry

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type SetHostAddressParams struct {
	SenderId    string
	SessionCode string
	Address     string
}

// SetHostAddress records the host's call endpoint address and announces it to
// the whole session. Anyone but the host gets ErrPermissionDenied.
func (r *Registry) SetHostAddress(ctx context.Context, params *SetHostAddressParams) error {
	s, err := r.lockHostSession(params.SessionCode, params.SenderId)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := validation.ValidateStructWithContext(ctx, params,
		validation.Field(&params.Address, AddressRule...),
	); err != nil {
		return invalidInput(err)
	}

	address := params.Address
	s.peerAddress = &address
	s.members[s.host].address = copyString(&address)

	r.dispatcher.Dispatch(ctx, s.memberIds(), Event{
		Kind:        EventAddressUpdated,
		SessionCode: s.code,
		Address:     copyString(&address),
	})

	return nil
}

type RequestCallParams struct {
	SenderId      string
	SessionCode   string
	CallerAddress string
}

// RequestCall fans a call request out to every member, the caller included.
func (r *Registry) RequestCall(ctx context.Context, params *RequestCallParams) error {
	if err := validation.Validate(params.SessionCode, SessionCodeRule...); err != nil {
		return ErrSessionNotFound
	}

	s, ok := r.sessions.Load(params.SessionCode)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}

	if err := validation.ValidateStructWithContext(ctx, params,
		validation.Field(&params.CallerAddress, AddressRule...),
	); err != nil {
		return invalidInput(err)
	}

	address := params.CallerAddress
	if m, ok := s.members[params.SenderId]; ok {
		m.address = &address
	}

	r.dispatcher.Dispatch(ctx, s.memberIds(), Event{
		Kind:        EventCallRequested,
		SessionCode: s.code,
		Address:     copyString(&address),
	})

	return nil
}
