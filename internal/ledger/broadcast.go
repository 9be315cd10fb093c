package ledger

import (
	"sync"

	"github.com/google/uuid"

	"mealcredits/internal/models"
)

const subscriberBuffer = 8

type subscriber struct {
	ch chan models.CreditBalance
}

// Broadcaster fans committed balances out to in-process observers. Publish
// never waits on a slow observer; when an observer's buffer is full the
// oldest pending balance is dropped.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscriber
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[string]*subscriber)}
}

func (b *Broadcaster) Subscribe(userID string, fn BalanceFunc) func() {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan models.CreditBalance, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]*subscriber)
	}
	b.subs[userID][id] = sub
	b.mu.Unlock()

	go func() {
		for bal := range sub.ch {
			fn(bal)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster) Publish(bal models.CreditBalance) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[bal.UserID] {
		for {
			select {
			case sub.ch <- bal:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers reports how many observers are registered for userID.
func (b *Broadcaster) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Users lists the user ids that currently have observers.
func (b *Broadcaster) Users() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	users := make([]string, 0, len(b.subs))
	for userID := range b.subs {
		users = append(users, userID)
	}
	return users
}
