package upload

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// credentials are the expected basic authentication values. The password
// may be stored as a bcrypt hash.
type credentials struct {
	username []byte
	password []byte
	hashed   bool
}

func newCredentials(username, password string) credentials {
	_, err := bcrypt.Cost([]byte(password))
	return credentials{
		username: []byte(username),
		password: []byte(password),
		hashed:   err == nil,
	}
}

// verify checks the basic authentication header of r. Both values are
// always compared so timing does not reveal which one was wrong.
func (c credentials) verify(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), c.username) == 1
	var passOK bool
	if c.hashed {
		passOK = bcrypt.CompareHashAndPassword(c.password, []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), c.password) == 1
	}
	return userOK && passOK
}
