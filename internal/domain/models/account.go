package models

type Credentials struct {
	Username string
	Password string
}

type Registration struct {
	Username string
	Email    string
	Password string
}

// Credentials returns the login credentials matching the registration.
func (r Registration) Credentials() Credentials {
	return Credentials{Username: r.Username, Password: r.Password}
}
