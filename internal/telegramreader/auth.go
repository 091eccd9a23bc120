package telegramreader

import (
	"context"
	"errors"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// ErrInteractiveAuthRequired means the session string is missing or
// revoked and a login code would be needed. The service is headless:
// the operator must mint a fresh session string out of band.
var ErrInteractiveAuthRequired = errors.New("interactive authentication required, refresh TG_SESSION_STRING")

// ErrSignupNotSupported indicates that signup is not supported.
var ErrSignupNotSupported = errors.New("signup not supported")

func (r *Reader) authFlow() auth.Flow {
	return auth.NewFlow(r, auth.SendCodeOptions{})
}

func (r *Reader) Phone(context.Context) (string, error) {
	return r.cfg.PhoneNumber, nil
}

func (r *Reader) Code(context.Context, *tg.AuthSentCode) (string, error) {
	return "", ErrInteractiveAuthRequired
}

func (r *Reader) Password(context.Context) (string, error) {
	if r.cfg.TG2FAPassword == "" {
		return "", ErrInteractiveAuthRequired
	}

	return r.cfg.TG2FAPassword, nil
}

func (r *Reader) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return nil
}

func (r *Reader) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, ErrSignupNotSupported
}
