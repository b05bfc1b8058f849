// Package auth holds the events published by the authentication module.
// They all travel on TopicAuth and are keyed by the user id carried in
// their metadata.
package auth

import (
	es "github.com/terraskye/eventcore"
)

// TopicAuth is the topic every authentication event is published on.
const TopicAuth = "auth"

// Events returns a factory for each event type of this package.
func Events() []func() es.Event {
	return []func() es.Event{
		func() es.Event { return &UserLoggedIn{} },
		func() es.Event { return &UserLoggedOut{} },
		func() es.Event { return &LoginFailed{} },
		func() es.Event { return &PasswordChanged{} },
	}
}

// Register adds the events of this package to reg.
func Register(reg *es.TypeRegistry) error {
	for _, fn := range Events() {
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

type authEvent struct {
	es.Base
}

func (e *authEvent) AggregateID() string { return e.Metadata().UserID }
func (*authEvent) DefaultTopic() string { return TopicAuth }

// UserLoggedIn is published after a successful login. It is routed locally
// so security handlers see it without broker latency.
type UserLoggedIn struct {
	authEvent
	DeviceID  string `json:"deviceId"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// NewUserLoggedIn builds a UserLoggedIn for userID.
func NewUserLoggedIn(userID, deviceID string, opts ...es.EventOption) *UserLoggedIn {
	return &UserLoggedIn{
		authEvent: authEvent{Base: es.NewBase(append([]es.EventOption{es.WithUserID(userID)}, opts...)...)},
		DeviceID:  deviceID,
	}
}

func (*UserLoggedIn) EventType() string { return "UserLoggedIn" }
func (*UserLoggedIn) DefaultPriority() es.Priority { return es.PriorityHigh }

type UserLoggedOut struct {
	authEvent
	DeviceID string `json:"deviceId"`
}

func NewUserLoggedOut(userID, deviceID string, opts ...es.EventOption) *UserLoggedOut {
	return &UserLoggedOut{
		authEvent: authEvent{Base: es.NewBase(append([]es.EventOption{es.WithUserID(userID)}, opts...)...)},
		DeviceID:  deviceID,
	}
}

func (*UserLoggedOut) EventType() string { return "UserLoggedOut" }
func (*UserLoggedOut) DefaultPriority() es.Priority { return es.PriorityLow }

// LoginFailed carries the attempted email since there may be no user id.
type LoginFailed struct {
	authEvent
	Email     string `json:"email"`
	Reason    string `json:"reason"`
	IPAddress string `json:"ipAddress,omitempty"`
}

func NewLoginFailed(email, reason string, opts ...es.EventOption) *LoginFailed {
	return &LoginFailed{
		authEvent: authEvent{Base: es.NewBase(opts...)},
		Email:     email,
		Reason:    reason,
	}
}

func (*LoginFailed) EventType() string { return "LoginFailed" }
func (*LoginFailed) DefaultPriority() es.Priority { return es.PriorityHigh }

func (e *LoginFailed) AggregateID() string {
	if id := e.Metadata().UserID; id != "" {
		return id
	}
	return "login:" + e.Email
}

type PasswordChanged struct {
	authEvent
	Forced bool `json:"forced,omitempty"`
}

func NewPasswordChanged(userID string, forced bool, opts ...es.EventOption) *PasswordChanged {
	return &PasswordChanged{
		authEvent: authEvent{Base: es.NewBase(append([]es.EventOption{es.WithUserID(userID)}, opts...)...)},
		Forced:    forced,
	}
}

func (*PasswordChanged) EventType() string { return "PasswordChanged" }
func (*PasswordChanged) DefaultPriority() es.Priority { return es.PriorityCritical }
