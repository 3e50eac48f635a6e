package kafka

import (
	"sync"
	"testing"
)

func TestPublishAfterCloseDoesNotPanic(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "t", 4)
	p.Close()
	p.Publish([]byte("k"), []byte("v")) // dropped, not a panic
	p.Close()                           // second close is a no-op
}

func TestPublishRacingCloseDoesNotPanic(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "t", 64)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Publish([]byte("k"), []byte("v"))
		}()
	}
	p.Close()
	wg.Wait()
}
