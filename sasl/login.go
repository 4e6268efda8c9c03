package sasl

// Login state constants
const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// Challenges sent by the LOGIN mechanism, before base64 encoding.
var (
	LoginChallengeUsername = []byte("Username:")
	LoginChallengePassword = []byte("Password:")
)

// LoginServer implements the LOGIN SASL mechanism.
// DEPRECATED: Use PLAIN instead. Only for legacy client compatibility.
type LoginServer struct {
	state    int
	username string
	auth     Authenticator
}

// NewLogin creates a new LOGIN server.
func NewLogin(auth Authenticator) *LoginServer {
	return &LoginServer{
		state: loginStateInitial,
		auth:  auth,
	}
}

// Next processes the client's response to a challenge. An initial response,
// if present, is taken as the username. Malformed input is reported with
// done false; done true with an error means the credentials were rejected.
func (l *LoginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.state {
	case loginStateInitial:
		if len(response) == 0 {
			l.state = loginStateUsername
			return LoginChallengeUsername, false, nil
		}
		l.username = string(response)
		l.state = loginStatePassword
		return LoginChallengePassword, false, nil

	case loginStateUsername:
		if len(response) == 0 {
			return nil, false, ErrInvalidFormat
		}
		l.username = string(response)
		l.state = loginStatePassword
		return LoginChallengePassword, false, nil

	case loginStatePassword:
		// LOGIN doesn't support authzid, so AuthenticationID == Identity
		creds := Credentials{
			AuthenticationID: l.username,
			Password:         string(response),
		}
		l.state = loginStateDone
		l.username = ""
		return nil, true, l.auth(creds)

	default:
		return nil, false, ErrUnexpectedResponse
	}
}

// Dispose forgets any partial credentials.
func (l *LoginServer) Dispose() error {
	l.username = ""
	l.state = loginStateDone
	return nil
}
