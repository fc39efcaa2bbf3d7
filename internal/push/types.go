package push

import (
	"context"
	"time"
)

// Notification is a user-visible alert created from a push message.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Data      Data      `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// Data is the notification's data contract. Only the click target is carried.
type Data struct {
	URL string `json:"url"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	// Show returns once the notification is displayed.
	Show(ctx context.Context, n *Notification) error
	Close(ctx context.Context, id string) error
}

// MatchOptions filters Clients.MatchAll.
type MatchOptions struct {
	// IncludeUncontrolled also returns windows not yet claimed by the
	// active generation.
	IncludeUncontrolled bool
}

// Client is an open window of the application.
type Client interface {
	ID() string
	URL() string
}

// Focuser is a client that can be brought to the foreground.
type Focuser interface {
	Focus(ctx context.Context) error
}

// Navigator is a client that can be sent to another URL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Clients enumerates open windows.
type Clients interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
}

// WindowOpener is the optional capability of opening a new window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) (Client, error)
}
