// Package adminjoin implements the admin-side decryption join (spec §4.6):
// combining a MessageEnvelope and its paired KeyEnvelope, in whichever
// order they arrive, into a DecryptedMessage. Grounded on the teacher's
// FinalEnvelope/onion correlation idea in server-control.go, generalised
// from a single-hop onion unwrap to the dual-path join the spec describes.
package adminjoin

import (
	"log"
	"sync"
	"time"

	"github.com/cyberexe1/mujhack/internal/cryptoenv"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/meshkind"
	"github.com/cyberexe1/mujhack/internal/store"
)

var logger = log.New(log.Writer(), "[admin] ", log.LstdFlags)

type pendingEntry struct {
	messageEnv *envelope.MessageEnvelope
	keyEnv     *envelope.KeyEnvelope
}

// Joiner holds per-node join state. A Joiner with no private key configured
// parks everything in pending and never emits (spec §4.6 step 2a).
type Joiner struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	hasAdminKey bool
	adminPriv   [32]byte

	log *store.Store

	// onDecrypted is invoked once per msgId on successful join (spec
	// invariant 7). It must not block (spec §5 suspension rule).
	onDecrypted func(store.DecryptedMessage)
}

// New creates a Joiner. If the node is not an admin, pass hasAdminKey=false
// and a zero adminPriv; joins will simply never complete.
func New(log *store.Store, hasAdminKey bool, adminPriv [32]byte, onDecrypted func(store.DecryptedMessage)) *Joiner {
	return &Joiner{
		pending:     make(map[string]*pendingEntry),
		hasAdminKey: hasAdminKey,
		adminPriv:   adminPriv,
		log:         log,
		onDecrypted: onDecrypted,
	}
}

// OnMessage feeds a MessageEnvelope into the join. Only e2e envelopes are
// relevant; broadcasts are ignored (spec invariant 5).
func (j *Joiner) OnMessage(env envelope.MessageEnvelope) {
	if env.Type != envelope.TypeE2E {
		return
	}
	j.mu.Lock()
	entry, ok := j.pending[env.MsgID]
	if !ok {
		entry = &pendingEntry{}
		j.pending[env.MsgID] = entry
	}
	e := env
	entry.messageEnv = &e
	j.tryJoinLocked(env.MsgID)
	j.mu.Unlock()
}

// OnKey feeds a KeyEnvelope into the join.
func (j *Joiner) OnKey(key envelope.KeyEnvelope) {
	j.mu.Lock()
	entry, ok := j.pending[key.MsgID]
	if !ok {
		entry = &pendingEntry{}
		j.pending[key.MsgID] = entry
	}
	k := key
	entry.keyEnv = &k
	j.tryJoinLocked(key.MsgID)
	j.mu.Unlock()
}

// tryJoinLocked must be called with j.mu held.
func (j *Joiner) tryJoinLocked(msgID string) {
	entry := j.pending[msgID]
	if entry == nil || entry.messageEnv == nil || entry.keyEnv == nil {
		return
	}
	if entry.messageEnv.Type != envelope.TypeE2E || entry.keyEnv.To != "admin" {
		return
	}
	if !j.hasAdminKey {
		// spec §4.6 step 2a: fail NotAnAdmin, leave entry pending.
		logger.Printf("msg %s ready to join but node holds no admin key: %v", msgID, meshkind.ErrNotAnAdmin)
		return
	}

	sessionKey, err := cryptoenv.UnwrapSessionKey(j.adminPriv, entry.keyEnv.WrappedKey)
	if err != nil {
		// spec §4.6 edge case: keep pending, log, don't surface to users.
		logger.Printf("msg %s key unwrap failed, leaving pending: %v", msgID, err)
		return
	}
	plain, err := cryptoenv.Open(sessionKey, entry.messageEnv.Payload)
	if err != nil {
		logger.Printf("msg %s payload open failed, leaving pending: %v", msgID, err)
		return
	}

	if j.log != nil {
		already, err := j.log.HasDecrypted(msgID)
		if err == nil && already {
			// spec §4.6: idempotent emission — suppress duplicate joins.
			delete(j.pending, msgID)
			return
		}
	}

	dm := store.DecryptedMessage{
		MsgID:       msgID,
		Content:     string(plain),
		Timestamp:   entry.messageEnv.Timestamp,
		From:        entry.messageEnv.From,
		Meta:        entry.messageEnv.Meta,
		MessagePath: entry.messageEnv.Hops,
		KeyPath:     []envelope.HopRecord{{NodeID: entry.keyEnv.From, Timestamp: time.Now().UTC()}},
	}
	if j.log != nil {
		if err := j.log.SaveDecrypted(dm); err != nil {
			logger.Printf("msg %s persist failed: %v", msgID, err)
			return
		}
	}
	delete(j.pending, msgID)
	if j.onDecrypted != nil {
		j.onDecrypted(dm)
	}
}

// Pending returns the number of msgIds currently awaiting their other half
// or awaiting a correct admin key — used by tests and diagnostics.
func (j *Joiner) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
