package models

// State is the authentication state of the client session.
type State int

const (
	Anonymous State = iota
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// TokenPair is issued by a successful login or registration.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
}

// RefreshedToken is the result of exchanging a refresh token. RefreshToken is
// empty unless the service rotated it.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
}
