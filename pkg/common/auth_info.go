package common

type AuthInfo struct {
	Username []byte `json:"username,omitempty"`
	Password []byte `json:"password,omitempty"`
}

func NewAuthInfo(username, password string) *AuthInfo {
	if password == "" {
		return nil
	}
	info := &AuthInfo{Password: []byte(password)}
	if username != "" {
		info.Username = []byte(username)
	}
	return info
}

// Args returns the AUTH arguments, username first when one is set.
func (a *AuthInfo) Args() [][]byte {
	if len(a.Username) == 0 {
		return [][]byte{a.Password}
	}
	return [][]byte{a.Username, a.Password}
}

// String never prints the password.
func (a *AuthInfo) String() string {
	return "Username: " + string(a.Username) + ", Password: ******"
}
