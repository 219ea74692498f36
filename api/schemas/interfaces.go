package schemas

import (
	"context"
)

// -- Driver Interface --

// ActKind is the kind of interaction performed by Driver.Act.
type ActKind string

const (
	ActClick  ActKind = "click"
	ActType   ActKind = "type"
	ActHover  ActKind = "hover"
	ActScroll ActKind = "scroll"
	ActKey    ActKind = "key"
	ActUpload ActKind = "upload"
	ActSelect ActKind = "select"
	ActClear  ActKind = "clear"
)

// ElementRef is an opaque handle returned by Driver.Find.
type ElementRef struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Point is a viewport coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Interaction describes one Driver.Act call. Either Ref or Coordinate locates
// the element; actions such as scroll or key may carry neither.
type Interaction struct {
	Kind       ActKind
	Ref        *ElementRef
	Coordinate *Point
	Payload    string
}

// ReadOptions bounds a console or network read. Pattern filters entries
// (message text for console, URL for network). Clear drains the driver's
// buffer so subsequent reads return only newer entries.
type ReadOptions struct {
	Limit   int
	Pattern string
	Clear   bool
}

// Driver is the browser-automation collaborator. Every operation may be slow
// or fail; callers bound each call with a context deadline.
type Driver interface {
	// OpenTab acquires a fresh, isolated browsing context and returns its id.
	OpenTab(ctx context.Context) (string, error)
	// CloseTab releases a browsing context.
	CloseTab(ctx context.Context, tabID string) error

	Navigate(ctx context.Context, tabID, url string) error
	Find(ctx context.Context, tabID string, target Target) (ElementRef, error)
	Act(ctx context.Context, tabID string, interaction Interaction) error
	// Snapshot returns an opaque textual rendering of the page structure.
	Snapshot(ctx context.Context, tabID string) (string, error)
	// Screenshot captures the viewport and returns a handle (path or id) to the image.
	Screenshot(ctx context.Context, tabID string) (string, error)
	CurrentURL(ctx context.Context, tabID string) (string, error)
	// ReadConsole returns raw console output, one entry per line.
	ReadConsole(ctx context.Context, tabID string, opts ReadOptions) (string, error)
	// ReadNetwork returns raw network output, one request per line.
	ReadNetwork(ctx context.Context, tabID string, opts ReadOptions) (string, error)

	// Name identifies the driver implementation in reports.
	Name() string
	Close(ctx context.Context) error
}
