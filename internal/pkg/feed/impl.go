package feed

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/engine"
)

// FeedService keeps a bounded window of recent engine events for pollers.
type FeedService struct {
	EventSource <-chan engine.Event

	mu       sync.RWMutex
	events   []engine.Event
	capacity int
}

func NewFeedService(i do.Injector) (*FeedService, error) {
	eventSource := do.MustInvokeNamed[<-chan engine.Event](i, "event-source")
	capacity := do.MustInvokeNamed[int](i, "feed-capacity")

	result := &FeedService{
		EventSource: eventSource,
		capacity:    capacity,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		feedGroup := apiGroup.Group("/feed")

		feedGroup.GET("/events", result.GetEvents)
	})

	return result, nil
}

func (s *FeedService) Start() {
	go s.consumeEvents()
}

// Recent returns the retained events, newest first.
func (s *FeedService) Recent() []engine.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]engine.Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		result = append(result, s.events[i])
	}

	return result
}

// HandleEvent appends one event, evicting the oldest beyond capacity.
func (s *FeedService) HandleEvent(event engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
}

func (s *FeedService) GetEvents(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.Recent())
}

func (s *FeedService) consumeEvents() {
	for event := range s.EventSource {
		s.HandleEvent(event)
	}
}
