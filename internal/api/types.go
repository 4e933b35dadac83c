package api

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login. Older backends return only
// the token.
type LoginResponse struct {
	Token string       `json:"token"`
	User  *UserProfile `json:"user,omitempty"`
}

// UserProfile describes an authenticated user.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"` // AGENT, ADMIN, CUSTOMER
}

// Session is the credential pair the real-time connection needs.
type Session struct {
	Token    string
	Identity string
}
