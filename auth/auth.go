// Package auth defines the AuthProvider contract CONNECT handling consults
// when the server is secured (§6). The engine treats authentication as an
// external collaborator: a single async call returning ok/fail.
package auth

import "context"

// Provider authenticates a login/passcode pair. Implementations may block
// (e.g. on a database or remote call); CONNECT handling awaits the result
// before emitting CONNECTED or ERROR.
type Provider interface {
	Authenticate(ctx context.Context, login, passcode string) (bool, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, login, passcode string) (bool, error)

// Authenticate implements Provider.
func (f ProviderFunc) Authenticate(ctx context.Context, login, passcode string) (bool, error) {
	return f(ctx, login, passcode)
}

// AllowAll is a Provider that accepts every credential; the default for an
// unsecured server (Config.Secured == false never calls a Provider at all,
// but this is convenient for tests and demos).
var AllowAll Provider = ProviderFunc(func(context.Context, string, string) (bool, error) {
	return true, nil
})

// Static authenticates against a single fixed login/passcode pair.
type Static struct {
	Login    string
	Passcode string
}

// Authenticate implements Provider.
func (s Static) Authenticate(_ context.Context, login, passcode string) (bool, error) {
	return login == s.Login && passcode == s.Passcode, nil
}
