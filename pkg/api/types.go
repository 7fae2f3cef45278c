package api

// Message is a post stored in a user's feed. Every feed slot holds its own
// copy; copies of the same post share ID, User and CreationTime.
type Message struct {
	ID           int64  `json:"id" cbor:"id"`
	User         string `json:"user" cbor:"user"`     // author, name@domain
	Domain       string `json:"domain" cbor:"domain"` // author's home domain
	CreationTime int64  `json:"creationTime" cbor:"creationTime"`
	Text         string `json:"text" cbor:"text"`
}

// User is an account held by the Users service of a single domain.
type User struct {
	Name        string `json:"name" cbor:"name"`
	Pwd         string `json:"pwd,omitempty" cbor:"pwd,omitempty"`
	DisplayName string `json:"displayName" cbor:"displayName"`
	Domain      string `json:"domain" cbor:"domain"`
}

// Address returns the federation-wide identity of the user (name@domain).
func (u User) Address() string {
	return u.Name + "@" + u.Domain
}

// Propagation carries a message and the recipients it must be filed under
// on the receiving domain.
type Propagation struct {
	Msg  Message  `json:"msg" cbor:"msg"`
	Subs []string `json:"subs" cbor:"subs"`
}
