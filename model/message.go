package model

// Kind tells real recipient sends apart from operator checkpoint mails.
type Kind string

const (
	KindRecipient  Kind = "recipient"
	KindCheckpoint Kind = "checkpoint"
)

// Message is a single outgoing HTML email. It is built per send and never stored.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    []byte
	Kind    Kind
}
