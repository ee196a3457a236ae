// Package group implements the MLS Group orchestrator of spec §4.11: the
// single read/write-locked owner of a group's ratchet tree, key schedule,
// proposal queue, and replay cache, tying together mls/tree, mls/keyschedule,
// mls/proposal, and mls/welcome into the public add_proposal/commit/
// apply_commit/seal_message/open_message/export_tree_snapshot surface.
//
// Grounded on other_examples/f3aea00d (germtb-mlsgit's MLSGitGroup) for the
// overall orchestrator shape — one struct owning tree+epoch+secrets behind a
// single lock, exposing Create/JoinFromWelcome/commit/apply — generalized
// onto the spec's own tree/keyschedule/proposal/welcome subpackages, and on
// the teacher's core/network.go for the sync.RWMutex-guarded-table pattern
// (§5: "MLS group: protected by a read/write lock").
package group

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/mls/keyschedule"
	"github.com/spacechat/core/mls/proposal"
	"github.com/spacechat/core/mls/tree"
	"github.com/spacechat/core/mls/welcome"
)

// Config bounds group behavior (§6 replay_cache_size, §4.11).
type Config struct {
	ReplayCacheSize int
	Logger          *logrus.Entry
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (c Config) replayCacheSize() int {
	if c.ReplayCacheSize <= 0 {
		return 1024
	}
	return c.ReplayCacheSize
}

type replayKey struct {
	Sender   uint32
	Sequence uint64
}

// Group holds all mutable state for one MLS group (§4.11), behind a single
// read/write lock per §5: reads (metadata/epoch query) take RLock, mutations
// (add_proposal, commit, apply_commit, seal/open) take Lock.
type Group struct {
	mu sync.RWMutex

	id       mls.GroupID
	epoch    uint64
	metadata []byte
	selfLeaf uint32

	tr        *tree.Tree
	schedule  *keyschedule.Schedule
	proposals []proposal.Proposal
	replay    map[replayKey]struct{}

	cfg Config
	log *logrus.Entry
}

// Create starts a brand-new single-member group: selfLeaf 0, epoch 0, an
// application secret the caller supplies (normally fresh random material),
// and an empty proposal/replay state.
func Create(id mls.GroupID, selfPublicKey []byte, metadata []byte, applicationSecret []byte, cfg Config) (*Group, error) {
	t := tree.New()
	leaf := t.AddLeaf(selfPublicKey)
	schedule, err := keyschedule.New(applicationSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	g := &Group{
		id:       id,
		epoch:    0,
		metadata: metadata,
		selfLeaf: leaf,
		tr:       t,
		schedule: schedule,
		replay:   make(map[replayKey]struct{}),
		cfg:      cfg,
		log:      cfg.logger(),
	}
	g.log.WithField("group_id", fmt.Sprintf("%x", id[:8])).Info("mls group created")
	return g, nil
}

// JoinFromWelcome initializes local group state from a decrypted Welcome
// (§4.10's final step: "initializes its local group state").
func JoinFromWelcome(id mls.GroupID, t *tree.Tree, selfLeaf uint32, metadata []byte, secrets welcome.GroupSecrets, cfg Config) (*Group, error) {
	schedule, err := keyschedule.New(secrets.ApplicationSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	g := &Group{
		id:       id,
		epoch:    secrets.Epoch,
		metadata: metadata,
		selfLeaf: selfLeaf,
		tr:       t,
		schedule: schedule,
		replay:   make(map[replayKey]struct{}),
		cfg:      cfg,
		log:      cfg.logger(),
	}
	g.log.WithFields(logrus.Fields{"group_id": fmt.Sprintf("%x", id[:8]), "epoch": secrets.Epoch}).Info("joined mls group from welcome")
	return g, nil
}

// ID returns the group's identifier.
func (g *Group) ID() mls.GroupID {
	return g.id
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// Metadata returns the group's opaque metadata blob.
func (g *Group) Metadata() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]byte(nil), g.metadata...)
}

// SelfLeaf returns the caller's own leaf index in the ratchet tree.
func (g *Group) SelfLeaf() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.selfLeaf
}

// AddProposal validates p against current state and appends it to the
// pending proposal queue (§4.11).
func (g *Group) AddProposal(p proposal.Proposal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := proposal.Validate(p, g.tr, g.epoch); err != nil {
		return err
	}
	g.proposals = append(g.proposals, p)
	return nil
}

// CommitResult is what committing pending proposals produces: the Commit
// itself (to broadcast to current members) and a Welcome for any Add
// proposals that were applied (to deliver to new members).
type CommitResult struct {
	Commit  proposal.Commit
	Welcome *welcome.Welcome
}

// Commit applies the queued proposals in a single atomic epoch step
// (§4.10/§4.11). An empty commit (no queued proposals, no path refresh) is
// rejected with ErrInvalidState per §8's boundary behavior. On success the
// queue is cleared and the epoch advances; recipientPubs supplies the
// X25519 public keys new members (from Add proposals, in order) should
// receive Welcome secrets under — pass nil if there are no Add proposals.
func (g *Group) Commit(pathKeys [][]byte, recipientPubs [][32]byte) (CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hasPath := pathKeys != nil
	if len(g.proposals) == 0 && !hasPath {
		return CommitResult{}, fmt.Errorf("%w: empty commit", mls.ErrInvalidState)
	}

	// Every step below operates on a clone of g.tr, never on g.tr itself:
	// the tree (and every other field swapped in at the end) must change
	// all together or not at all (§5, §7 — a commit that fails partway
	// through must leave the proposal queue intact and the epoch
	// unchanged, not a half-applied tree with no corresponding epoch step).
	pending := g.proposals
	candidate := g.tr.Clone()
	addedLeaves, err := proposal.Apply(candidate, pending)
	if err != nil {
		return CommitResult{}, err
	}

	var path *proposal.UpdatePath
	if hasPath {
		leafKey, ok := candidate.PublicKey(g.selfLeaf)
		if !ok {
			return CommitResult{}, fmt.Errorf("%w: committer leaf is blank", mls.ErrInvalidState)
		}
		if err := candidate.ApplyUpdatePath(g.selfLeaf, leafKey, pathKeys); err != nil {
			return CommitResult{}, fmt.Errorf("%w: %v", mls.ErrInvalidState, err)
		}
		path = &proposal.UpdatePath{LeafKey: leafKey, PathKeys: pathKeys}
	}

	nextSecret, err := g.schedule.NextApplicationSecret()
	if err != nil {
		return CommitResult{}, err
	}
	nextSchedule, err := keyschedule.New(nextSecret)
	if err != nil {
		return CommitResult{}, err
	}
	nextEpoch := g.epoch + 1
	tag := proposal.ConfirmationTag(candidate.RootHash(), nextEpoch)

	commit := proposal.Commit{
		CommitterLeaf:   g.selfLeaf,
		Epoch:           nextEpoch,
		Proposals:       pending,
		Path:            path,
		ConfirmationTag: tag,
	}

	var w *welcome.Welcome
	if len(addedLeaves) > 0 && len(recipientPubs) > 0 {
		secrets := welcome.GroupSecrets{
			Epoch:             nextEpoch,
			ApplicationSecret: nextSecret,
			EpochAuthenticator: tag[:],
		}
		built, err := welcome.Build(g.id, candidate.Export(), g.metadata, secrets, recipientPubs)
		if err != nil {
			return CommitResult{}, err
		}
		w = &built
	}

	// Every failure above returned before this point, leaving g.tr, g.epoch,
	// and g.proposals untouched. From here the commit cannot fail, so the
	// swap-in is atomic with respect to any caller observing Group state.
	g.tr = candidate
	g.schedule = nextSchedule
	g.epoch = nextEpoch
	g.proposals = nil
	g.replay = make(map[replayKey]struct{})
	g.log.WithFields(logrus.Fields{"group_id": fmt.Sprintf("%x", g.id[:8]), "epoch": g.epoch}).Info("mls commit applied locally")

	return CommitResult{Commit: commit, Welcome: w}, nil
}

// ApplyCommit applies a remote Commit (§4.11): validates the sender is a
// current member and the epoch matches, verifies the confirmation tag,
// clears the local proposal queue and replaces it with the commit's
// embedded proposals (handling the case where a local commit had proposals
// not shared with the remote committer), applies them, and advances the
// epoch. Note the epoch secret chain (next = H(current ‖ "epoch"),
// keyschedule.NextApplicationSecret) is §4.10's own simplification: a
// removed member still holds the application secret for the epoch they
// were removed in and can derive every later one from it, so Remove is not
// forward-secret against a member who recorded that secret before leaving
// (§9 documents this as the accepted simplification over a full tree-KEM
// re-key).
func (g *Group) ApplyCommit(c proposal.Commit) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.Epoch != g.epoch+1 {
		return mls.NewEpochMismatch(g.epoch+1, c.Epoch)
	}
	if _, ok := g.tr.PublicKey(c.CommitterLeaf); !ok {
		return fmt.Errorf("%w: committer is not a current member", mls.ErrInvalidState)
	}

	// As in Commit: apply onto a clone and verify the confirmation tag
	// against the *candidate* root hash before touching any Group field.
	// Applying proposals/path to g.tr directly and verifying the tag
	// afterward would leave the tree re-shaped (a leaf added or blanked)
	// with g.epoch un-advanced whenever the tag check — or a malformed
	// path — failed, which is exactly the non-atomic commit §5 and §7
	// forbid.
	candidate := g.tr.Clone()
	proposals := append([]proposal.Proposal(nil), c.Proposals...)
	if _, err := proposal.Apply(candidate, proposals); err != nil {
		return err
	}
	if c.Path != nil {
		if err := candidate.ApplyUpdatePath(c.CommitterLeaf, c.Path.LeafKey, c.Path.PathKeys); err != nil {
			return fmt.Errorf("%w: %v", mls.ErrInvalidState, err)
		}
	}

	wantTag := proposal.ConfirmationTag(candidate.RootHash(), c.Epoch)
	if wantTag != c.ConfirmationTag {
		g.log.WithField("group_id", fmt.Sprintf("%x", g.id[:8])).Warn("mls confirmation tag mismatch")
		return fmt.Errorf("%w: confirmation tag mismatch", mls.ErrVerifyFailed)
	}

	nextSecret, err := g.schedule.NextApplicationSecret()
	if err != nil {
		return err
	}
	nextSchedule, err := keyschedule.New(nextSecret)
	if err != nil {
		return err
	}

	// Every failure above returned before any of these were touched; the
	// commit is all-or-nothing.
	g.tr = candidate
	g.schedule = nextSchedule
	g.epoch = c.Epoch
	g.proposals = nil
	g.replay = make(map[replayKey]struct{})
	g.log.WithFields(logrus.Fields{"group_id": fmt.Sprintf("%x", g.id[:8]), "epoch": g.epoch}).Info("remote mls commit applied")
	return nil
}

// SealMessage encrypts plaintext under the current epoch's key schedule as
// this group's self leaf (§4.9, §4.11).
func (g *Group) SealMessage(plaintext []byte) (keyschedule.EncryptedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.schedule.Seal(g.epoch, g.selfLeaf, plaintext)
}

// OpenMessage decrypts msg, rejecting it if its (sender, sequence) pair was
// already seen this epoch (§4.11 replay protection). The replay cache is
// trimmed to half its configured capacity once it exceeds it, dropping
// entries in unspecified (map iteration) order — a bounded set with a bulk
// trim, not a per-sender sliding window.
func (g *Group) OpenMessage(msg keyschedule.EncryptedMessage) ([]byte, keyschedule.SenderData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	plaintext, sd, err := g.schedule.Open(g.epoch, msg)
	if err != nil {
		return nil, keyschedule.SenderData{}, err
	}
	key := replayKey{Sender: sd.Leaf, Sequence: sd.Sequence}
	if _, seen := g.replay[key]; seen {
		g.log.WithFields(logrus.Fields{"leaf": sd.Leaf, "sequence": sd.Sequence}).Warn("mls replay rejected")
		return nil, keyschedule.SenderData{}, fmt.Errorf("%w: (sender, sequence) already seen this epoch", mls.ErrReplayDetected)
	}
	g.replay[key] = struct{}{}
	if limit := g.cfg.replayCacheSize(); len(g.replay) > limit {
		g.trimReplayCacheLocked(limit / 2)
	}
	return plaintext, sd, nil
}

// trimReplayCacheLocked drops entries until the cache holds at most target,
// keeping insertion order unspecified (a set has none) but bounding memory
// as §9 requires. Callers hold g.mu.
func (g *Group) trimReplayCacheLocked(target int) {
	if target < 0 {
		target = 0
	}
	for k := range g.replay {
		if len(g.replay) <= target {
			break
		}
		delete(g.replay, k)
	}
}

// ExportTreeSnapshot returns the current ratchet tree snapshot, for
// inclusion in a Welcome or for external persistence (§4.11).
func (g *Group) ExportTreeSnapshot() tree.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tr.Export()
}

// RootHash returns the ratchet tree's current root hash.
func (g *Group) RootHash() [32]byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tr.RootHash()
}

// LeafIndexOf returns the leaf index whose current public key equals pub,
// used by role-gated operations like remove_member that look a target up
// by identity before issuing a Remove proposal (§4.13).
func (g *Group) LeafIndexOf(pub []byte) (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := 0; i < g.tr.LeafCount(); i++ {
		if existing, ok := g.tr.PublicKey(uint32(i)); ok && string(existing) == string(pub) {
			return uint32(i), true
		}
	}
	return 0, false
}
