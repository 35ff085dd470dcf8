// Package scroll decides whether a message view should follow new content.
package scroll

import "sync"

// DefaultThresholdPX is how close to the bottom the viewport must be for new items to
// pull it down.
const DefaultThresholdPX = 100

// Scroller is implemented by the view's scroll container.
type Scroller interface {
	ScrollToBottom(animated bool)
}

// ScrollerFunc adapts a function to a Scroller.
type ScrollerFunc func(animated bool)

func (f ScrollerFunc) ScrollToBottom(animated bool) { f(animated) }

// Metrics are the viewport measurements reported with every scroll event.
type Metrics struct {
	ContentHeight float64
	VisibleHeight float64
	OffsetY       float64
}

// DistanceFromBottom returns how far the bottom edge of the viewport is from the end of
// the content. Overscroll is reported as 0.
func (m Metrics) DistanceFromBottom() float64 {
	d := m.ContentHeight - m.VisibleHeight - m.OffsetY
	if d < 0 {
		return 0
	}
	return d
}

type Decision int

const (
	// Stay leaves the viewport where it is.
	Stay Decision = iota
	// JumpToBottom is the cold start: anchor at the newest item without animation.
	JumpToBottom
	// FollowToBottom scrolls to the newest item with animation.
	FollowToBottom
)

func (d Decision) String() string {
	switch d {
	case JumpToBottom:
		return "jump"
	case FollowToBottom:
		return "follow"
	default:
		return "stay"
	}
}

// Controller tracks the viewport and decides, for every growth in item count, whether to
// scroll to the bottom. One Controller lives for one screen.
type Controller struct {
	ThresholdPX float64

	mu                 sync.Mutex
	scroller           Scroller
	distanceFromBottom float64
	itemCount          int
	coldStarted        bool
}

// NewController creates a controller which drives s. A threshold <= 0 means DefaultThresholdPX.
func NewController(s Scroller, thresholdPX float64) *Controller {
	if thresholdPX <= 0 {
		thresholdPX = DefaultThresholdPX
	}
	return &Controller{
		ThresholdPX: thresholdPX,
		scroller:    s,
	}
}

// OnScroll records the latest viewport measurements.
func (c *Controller) OnScroll(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distanceFromBottom = m.DistanceFromBottom()
}

// DistanceFromBottom returns the last recorded distance in pixels.
func (c *Controller) DistanceFromBottom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distanceFromBottom
}

// OnContentSizeChange is called whenever the list content changes with the new number of
// items. The first non-empty population always jumps to the bottom. After that, growth
// follows the bottom only if the viewport was within ThresholdPX of it.
func (c *Controller) OnContentSizeChange(itemCount int) Decision {
	c.mu.Lock()
	d := c.decide(itemCount)
	s := c.scroller
	c.mu.Unlock()
	if s != nil {
		switch d {
		case JumpToBottom:
			s.ScrollToBottom(false)
		case FollowToBottom:
			s.ScrollToBottom(true)
		}
	}
	return d
}

func (c *Controller) decide(itemCount int) Decision {
	prev := c.itemCount
	c.itemCount = itemCount
	if !c.coldStarted {
		if itemCount == 0 {
			return Stay
		}
		c.coldStarted = true
		c.distanceFromBottom = 0
		return JumpToBottom
	}
	if itemCount <= prev {
		return Stay
	}
	if c.distanceFromBottom <= c.ThresholdPX {
		c.distanceFromBottom = 0
		return FollowToBottom
	}
	return Stay
}

// ScrollToBottom scrolls imperatively, e.g. after the user sends a message.
func (c *Controller) ScrollToBottom(animated bool) {
	c.mu.Lock()
	c.distanceFromBottom = 0
	s := c.scroller
	c.mu.Unlock()
	if s != nil {
		s.ScrollToBottom(animated)
	}
}
