// Package ebus is the in-process event bus the toolkit publishes telemetry
// on: transfer progress, session changes and security level changes. The
// last value per topic is cached so late subscribers see current state.
package ebus

import (
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Well-known topics.
const (
	TopicTransferProgress = "transfer.progress"
	TopicSessionType      = "session.type"
	TopicSecurityLevel    = "security.level"
)

type Message struct {
	Topic *string
	Data  *float64
}

type Bus struct {
	subs      map[string][]chan float64
	subsMutex sync.Mutex

	subsAll      []chan *Message
	subsAllMutex sync.Mutex

	inChan       chan *Message
	unsubChan    chan chan float64
	unsubAllChan chan chan *Message
	quit         chan struct{}
	closeOnce    sync.Once

	cache *ttlcache.Cache[string, float64]
}

func New() *Bus {
	b := &Bus{
		subs:         make(map[string][]chan float64),
		inChan:       make(chan *Message, 100),
		unsubChan:    make(chan chan float64, 100),
		unsubAllChan: make(chan chan *Message, 100),
		quit:         make(chan struct{}),
		cache: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](1 * time.Minute),
		),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case <-b.quit:
			b.closeSubs()
			return
		case msg := <-b.inChan:
			if v := b.cache.Get(*msg.Topic); v != nil {
				if v.Value() == *msg.Data {
					continue
				}
			}
			b.cache.Set(*msg.Topic, *msg.Data, ttlcache.DefaultTTL)
			b.subsAllMutex.Lock()
			for i := 0; i < len(b.subsAll); i++ {
				sub := b.subsAll[i]
				select {
				case sub <- msg:
				default:
					b.subsAll = append(b.subsAll[:i], b.subsAll[i+1:]...)
					close(sub)
					i--
				}
			}
			b.subsAllMutex.Unlock()
			b.subsMutex.Lock()
			for _, sub := range b.subs[*msg.Topic] {
				select {
				case sub <- *msg.Data:
				default:
				}
			}
			b.subsMutex.Unlock()
		case unsub := <-b.unsubAllChan:
			b.subsAllMutex.Lock()
			for i, sub := range b.subsAll {
				if sub == unsub {
					b.subsAll = append(b.subsAll[:i], b.subsAll[i+1:]...)
					close(sub)
					break
				}
			}
			b.subsAllMutex.Unlock()
		case unsub := <-b.unsubChan:
			b.subsMutex.Lock()
		outer:
			for topic, subz := range b.subs {
				for i, sub := range subz {
					if sub == unsub {
						b.subs[topic] = append(subz[:i], subz[i+1:]...)
						close(unsub)
						if len(b.subs[topic]) == 0 {
							delete(b.subs, topic)
						}
						break outer
					}
				}
			}
			b.subsMutex.Unlock()
		}
	}
}

func (b *Bus) closeSubs() {
	b.subsMutex.Lock()
	for topic, subz := range b.subs {
		for _, sub := range subz {
			close(sub)
		}
		delete(b.subs, topic)
	}
	b.subsMutex.Unlock()
	b.subsAllMutex.Lock()
	for _, sub := range b.subsAll {
		close(sub)
	}
	b.subsAll = nil
	b.subsAllMutex.Unlock()
}

// Close stops the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
	})
}

// Publish is non-blocking. Values identical to the cached last value for
// the topic are dropped.
func (b *Bus) Publish(topic string, data float64) error {
	select {
	case <-b.quit:
		return errors.New("bus closed")
	case b.inChan <- &Message{Topic: &topic, Data: &data}:
		return nil
	default:
		return errors.New("publish channel full")
	}
}

func (b *Bus) SubscribeAll() chan *Message {
	respChan := make(chan *Message, 100)
	b.subsAllMutex.Lock()
	b.subsAll = append(b.subsAll, respChan)
	b.subsAllMutex.Unlock()

	b.cache.Range(func(item *ttlcache.Item[string, float64]) bool {
		k := item.Key()
		v := item.Value()
		respChan <- &Message{Topic: &k, Data: &v}
		return true
	})
	return respChan
}

func (b *Bus) SubscribeAllFunc(f func(topic string, value float64)) func() {
	respChan := b.SubscribeAll()
	go func() {
		for v := range respChan {
			f(*v.Topic, *v.Data)
		}
	}()
	return func() {
		b.UnsubscribeAll(respChan)
	}
}

func (b *Bus) UnsubscribeAll(channel chan *Message) {
	select {
	case b.unsubAllChan <- channel:
	case <-b.quit:
	}
}

// SubscribeFunc returns a function that can be used to unsubscribe the function
func (b *Bus) SubscribeFunc(topic string, f func(float64)) func() {
	respChan := b.Subscribe(topic)
	go func() {
		for v := range respChan {
			f(v)
		}
	}()
	return func() {
		b.Unsubscribe(respChan)
	}
}

// Subscribe registers for a topic. The cached last value, if any, is
// delivered immediately.
func (b *Bus) Subscribe(topic string) chan float64 {
	respChan := make(chan float64, 100)
	b.subsMutex.Lock()
	b.subs[topic] = append(b.subs[topic], respChan)
	b.subsMutex.Unlock()
	if itm := b.cache.Get(topic); itm != nil {
		respChan <- itm.Value()
	}
	return respChan
}

func (b *Bus) Unsubscribe(channel chan float64) {
	select {
	case b.unsubChan <- channel:
	case <-b.quit:
	}
}
