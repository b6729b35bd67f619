// Package transport defines the chat platform boundary of the relay.
//
// A Transport runs a receive loop and hands each Event to a Handler in
// arrival order. Replies go back through Sender.Send with the Event's Target.
// The telegram and matrix subpackages implement it.
package transport
