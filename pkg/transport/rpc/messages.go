package rpc

import "fedfeeds/pkg/api"

// Request and response envelopes of the Feeds and Users services

type Empty struct{}

type PostMessageRequest struct {
	User string      `cbor:"user"`
	Pwd  string      `cbor:"pwd"`
	Msg  api.Message `cbor:"msg"`
}

type IDResponse struct {
	ID int64 `cbor:"id"`
}

type MessageRequest struct {
	User string `cbor:"user"`
	Mid  int64  `cbor:"mid"`
	Pwd  string `cbor:"pwd,omitempty"`
}

type MessagesRequest struct {
	User string `cbor:"user"`
	Time int64  `cbor:"time"`
}

type MessagesResponse struct {
	Messages []api.Message `cbor:"messages"`
}

type SubRequest struct {
	User    string `cbor:"user"`
	UserSub string `cbor:"userSub"`
	Pwd     string `cbor:"pwd,omitempty"`
}

type UserRequest struct {
	User string `cbor:"user"`
}

type SubsResponse struct {
	Subs []string `cbor:"subs"`
}

type CreateUserRequest struct {
	User api.User `cbor:"user"`
}

type AddressResponse struct {
	Address string `cbor:"address"`
}

type CredentialsRequest struct {
	Name string `cbor:"name"`
	Pwd  string `cbor:"pwd"`
}

type UpdateUserRequest struct {
	Name string   `cbor:"name"`
	Pwd  string   `cbor:"pwd"`
	User api.User `cbor:"user"`
}

type UserResponse struct {
	User api.User `cbor:"user"`
}

type SearchRequest struct {
	Pattern string `cbor:"pattern"`
}

type UsersResponse struct {
	Users []api.User `cbor:"users"`
}

type NameRequest struct {
	Name string `cbor:"name"`
}
