package transfer

import "context"

// Progress is the only message an engine sends back to the queue.
// An empty Status means "no status change".
type Progress struct {
	ID            string
	Status        Status
	Progress      float64
	Downloaded    int64
	Size          int64
	Speed         float64
	TimeRemaining int64
	UploadSpeed   float64
	Uploaded      int64
	Peers         int
	Error         string
	// Restarted marks a transfer that threw away its partial data and began
	// again from zero, so progress may go backwards.
	Restarted bool
}

// Reporter receives engine feedback.
type Reporter interface {
	UpdateProgress(p Progress)
}

// Engine acquires items of one transport type.
//
// Start must not block on the transfer itself and must not call the Reporter
// synchronously before returning.
type Engine interface {
	Start(ctx context.Context, item Item, r Reporter) error
	Pause(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Close() error
}

// Remover is implemented by engines holding resources past completion
// (swarm entries that keep seeding).
type Remover interface {
	Remove(ctx context.Context, id string) error
}

// Configurable is implemented by engines whose behaviour follows the queue
// configuration (retry budget and delay). The queue calls it at construction
// and after every configuration update.
type Configurable interface {
	Configure(cfg QueueConfig)
}
