// Package protocol defines the envelope exchanged between Courier clients
// and the router, together with the codec that puts it on the wire.
package protocol

import "time"

// Action identifies what an envelope asks the router to do.
type Action string

// Actions understood by the router.
const (
	ActionPresence      Action = "presence"
	ActionMessage       Action = "message"
	ActionExit          Action = "exit"
	ActionGetContacts   Action = "get_contacts"
	ActionAddContact    Action = "add_contact"
	ActionRemoveContact Action = "remove_contact"
	ActionUsersRequest  Action = "users_request"
)

// Response codes carried in reply envelopes.
const (
	StatusOK         = 200
	StatusAccepted   = 202
	StatusBadRequest = 400
)

// UserInfo is the nested presence descriptor sent during the handshake.
type UserInfo struct {
	AccountName string `json:"account_name"`
}

// Envelope is the only unit exchanged on the wire. An envelope is either a
// request (Action set) or a reply (Response set). Envelopes are immutable
// once sent; the router re-serializes forwarded envelopes without touching
// their payload.
//
// Field usage per action:
//
//	presence        user.account_name
//	message         sender, destination, message_text
//	exit            account_name
//	get_contacts    account_name (owner)
//	add_contact     account_name (owner), destination (contact)
//	remove_contact  account_name (owner), destination (contact)
//	users_request   account_name
type Envelope struct {
	Action      Action    `json:"action,omitempty"`
	Time        int64     `json:"time,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Text        string    `json:"message_text,omitempty"`
	AccountName string    `json:"account_name,omitempty"`
	User        *UserInfo `json:"user,omitempty"`
	Response    int       `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	ListInfo    []string  `json:"list_info,omitempty"`
}

// IsReply reports whether the envelope carries a response code rather than
// an action.
func (e *Envelope) IsReply() bool {
	return e.Response != 0
}

func stamp() int64 {
	return time.Now().UnixMilli()
}

// NewPresence builds the handshake envelope announcing the given username.
func NewPresence(account string) *Envelope {
	return &Envelope{
		Action: ActionPresence,
		Time:   stamp(),
		User:   &UserInfo{AccountName: account},
	}
}

// NewMessage builds a point-to-point text message envelope.
func NewMessage(sender, destination, text string) *Envelope {
	return &Envelope{
		Action:      ActionMessage,
		Time:        stamp(),
		Sender:      sender,
		Destination: destination,
		Text:        text,
	}
}

// NewExit builds the envelope a client sends when it disconnects on purpose.
func NewExit(account string) *Envelope {
	return &Envelope{
		Action:      ActionExit,
		Time:        stamp(),
		AccountName: account,
	}
}

// NewGetContacts builds a request for the owner's contact list.
func NewGetContacts(owner string) *Envelope {
	return &Envelope{
		Action:      ActionGetContacts,
		Time:        stamp(),
		AccountName: owner,
	}
}

// NewAddContact builds a request to add contact to the owner's contact list.
func NewAddContact(owner, contact string) *Envelope {
	return &Envelope{
		Action:      ActionAddContact,
		Time:        stamp(),
		AccountName: owner,
		Destination: contact,
	}
}

// NewRemoveContact builds a request to drop contact from the owner's list.
func NewRemoveContact(owner, contact string) *Envelope {
	return &Envelope{
		Action:      ActionRemoveContact,
		Time:        stamp(),
		AccountName: owner,
		Destination: contact,
	}
}

// NewUsersRequest builds a request for the list of all known usernames.
func NewUsersRequest(account string) *Envelope {
	return &Envelope{
		Action:      ActionUsersRequest,
		Time:        stamp(),
		AccountName: account,
	}
}

// OK is the 200 reply.
func OK() *Envelope {
	return &Envelope{Response: StatusOK, Time: stamp()}
}

// Accepted is the 202 reply carrying a list payload.
func Accepted(list []string) *Envelope {
	return &Envelope{Response: StatusAccepted, Time: stamp(), ListInfo: list}
}

// BadRequest is the 400 reply carrying an error description.
func BadRequest(reason string) *Envelope {
	return &Envelope{Response: StatusBadRequest, Time: stamp(), Error: reason}
}
