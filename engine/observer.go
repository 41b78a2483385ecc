package engine

import (
	"pqchat/models"
	"pqchat/vault"
)

// Observer receives engine events. Calls are made from engine goroutines
// and must not block for long.
type Observer interface {
	OnMessage(msg *models.Message)
	OnMessageSent(msg *models.Message)
	OnMessagePermanentlyFailed(msg *models.Message, err error)
	OnSyncConflict(conflict vault.Conflict)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Message                func(msg *models.Message)
	MessageSent            func(msg *models.Message)
	MessagePermanentlyFail func(msg *models.Message, err error)
	SyncConflict           func(conflict vault.Conflict)
}

func (f ObserverFuncs) OnMessage(msg *models.Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ObserverFuncs) OnMessageSent(msg *models.Message) {
	if f.MessageSent != nil {
		f.MessageSent(msg)
	}
}

func (f ObserverFuncs) OnMessagePermanentlyFailed(msg *models.Message, err error) {
	if f.MessagePermanentlyFail != nil {
		f.MessagePermanentlyFail(msg, err)
	}
}

func (f ObserverFuncs) OnSyncConflict(conflict vault.Conflict) {
	if f.SyncConflict != nil {
		f.SyncConflict(conflict)
	}
}
