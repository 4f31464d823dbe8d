package capture

import "sync/atomic"

// Observer receives capture notifications. Both methods are called
// synchronously from the capture goroutine, once per retained frame, so
// implementations must return quickly and handle their own synchronization.
type Observer interface {
	PacketCaptured(p CapturedPacket)
	CountUpdated(total uint64)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnPacket func(CapturedPacket)
	OnCount  func(uint64)
}

func (f ObserverFuncs) PacketCaptured(p CapturedPacket) {
	if f.OnPacket != nil {
		f.OnPacket(p)
	}
}

func (f ObserverFuncs) CountUpdated(total uint64) {
	if f.OnCount != nil {
		f.OnCount(total)
	}
}

// ChannelObserver forwards notifications to buffered channels. Sends never
// block; when a channel is full the notification is dropped and counted.
type ChannelObserver struct {
	Packets chan CapturedPacket
	Counts  chan uint64

	dropped atomic.Uint64
}

// NewChannelObserver creates a ChannelObserver with the given channel capacity.
func NewChannelObserver(size int) *ChannelObserver {
	if size <= 0 {
		size = 1
	}
	return &ChannelObserver{
		Packets: make(chan CapturedPacket, size),
		Counts:  make(chan uint64, size),
	}
}

func (c *ChannelObserver) PacketCaptured(p CapturedPacket) {
	select {
	case c.Packets <- p:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelObserver) CountUpdated(total uint64) {
	select {
	case c.Counts <- total:
	default:
	}
}

// Dropped returns how many packet notifications were discarded.
func (c *ChannelObserver) Dropped() uint64 {
	return c.dropped.Load()
}

// Filter decides whether a classified packet is retained and published.
type Filter func(p *CapturedPacket) bool
