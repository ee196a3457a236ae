package channel

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/mls/group"
	"github.com/spacechat/core/mls/keyschedule"
	"github.com/spacechat/core/mls/proposal"
	"github.com/spacechat/core/mls/welcome"
	"github.com/spacechat/core/pkg/utils"
)

// Errors per the channel manager's role gating and invite lifecycle (§4.13).
var (
	ErrNotAdmin        = errors.New("channel: actor is not an admin")
	ErrNotFound        = errors.New("channel: not found")
	ErrInviteExpired   = errors.New("channel: invite token expired")
	ErrChannelMismatch = errors.New("channel: welcome group id does not match invite channel id")
	ErrUnknownMember   = errors.New("channel: unknown member")
)

// ChannelID identifies a channel; it is used verbatim as the channel's MLS
// group id (§4.13: "create MLS group whose id equals the channel id bytes").
type ChannelID = mls.GroupID

// KeyPackage is a fresh public Welcome-target bundle a prospective member
// publishes so others can invite them (§4.13).
type KeyPackage struct {
	UserID           string
	Identity         string
	SigningPublicKey []byte   // the key the MLS ratchet-tree leaf will hold
	X25519PublicKey  [32]byte // the key Welcome secrets are sealed to
}

// KeyBundle pairs a publishable KeyPackage with the private half the owner
// keeps locally (§4.13: "tied to a bundle stored locally").
type KeyBundle struct {
	Public  KeyPackage
	Private [32]byte // X25519 private key
}

// GenerateKeyPackage produces a fresh KeyBundle for userID: a random X25519
// keypair to receive future Welcome secrets, paired with the caller's
// existing long-term signing key for the MLS leaf.
func GenerateKeyPackage(userID, identity string, signingPublicKey []byte) (KeyBundle, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyBundle{}, fmt.Errorf("channel: generate key package: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyBundle{}, fmt.Errorf("channel: derive x25519 public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], pubSlice)
	return KeyBundle{
		Public: KeyPackage{
			UserID:           userID,
			Identity:         identity,
			SigningPublicKey: signingPublicKey,
			X25519PublicKey:  pub,
		},
		Private: priv,
	}, nil
}

// InviteToken is the out-of-band-deliverable invite payload (§6).
type InviteToken struct {
	ChannelID   ChannelID
	WelcomeBlob []byte
	RatchetTree []byte // optional: re-sent separately from the welcome blob
	ChannelName string
	Inviter     string
	ExpiresAt   time.Time
}

// Channel bundles one channel's MLS group with its CRDT-backed descriptor.
type Channel struct {
	ID         ChannelID
	Group      *group.Group
	Descriptor *Descriptor
}

// Manager is the Channel Manager of §4.13: it owns every local Channel and
// the directory of locally-known key packages.
type Manager struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel

	spaceMu sync.RWMutex
	spaces  map[SpaceID]*Space

	keyMu       sync.Mutex
	keyPackages map[string]KeyPackage

	groupCfg group.Config
	log      *logrus.Entry
}

// NewManager returns an empty Channel Manager.
func NewManager(groupCfg group.Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		channels:    make(map[ChannelID]*Channel),
		spaces:      make(map[SpaceID]*Space),
		keyPackages: make(map[string]KeyPackage),
		groupCfg:    groupCfg,
		log:         log,
	}
}

// CreateSpace creates a new Space owned by ownerUserID and registers it with
// the manager (§3).
func (m *Manager) CreateSpace(name, description, icon, visibility, ownerUserID, ownerNode string, timestamp uint64) (*Space, error) {
	sp, err := NewSpace(name, description, icon, visibility, ownerUserID, ownerNode, timestamp)
	if err != nil {
		return nil, err
	}
	m.spaceMu.Lock()
	m.spaces[sp.ID] = sp
	m.spaceMu.Unlock()
	m.log.WithField("space_id", fmt.Sprintf("%x", sp.ID[:8])).Info("space created")
	return sp, nil
}

// Space returns a previously created Space by id.
func (m *Manager) Space(id SpaceID) (*Space, bool) {
	m.spaceMu.RLock()
	defer m.spaceMu.RUnlock()
	sp, ok := m.spaces[id]
	return sp, ok
}

// CreateChannelInSpace creates a channel the same way CreateChannel does and
// additionally binds it into spaceID's ordered channel sequence (§3), gated
// on creatorUserID already being a member of that space.
func (m *Manager) CreateChannelInSpace(spaceID SpaceID, creatorUserID, creatorIdentity string, creatorSigningPub []byte, name string, timestamp uint64) (*Channel, error) {
	sp, ok := m.Space(spaceID)
	if !ok {
		return nil, ErrNotFound
	}
	if !sp.IsMember(creatorUserID) {
		return nil, ErrNotSpaceMember
	}
	ch, err := m.CreateChannel(creatorUserID, creatorIdentity, creatorSigningPub, name, timestamp)
	if err != nil {
		return nil, err
	}
	sp.AddChannel(ch.ID)
	return ch, nil
}

func newChannelID() (ChannelID, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return ChannelID{}, fmt.Errorf("channel: generate channel id: %w", err)
	}
	return blake3.Sum256(raw[:]), nil
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// RegisterKeyPackage publishes kp to the manager's local directory, so a
// later CreateInvite call can look an invitee up by user id.
func (m *Manager) RegisterKeyPackage(kp KeyPackage) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	m.keyPackages[kp.UserID] = kp
}

// LookupKeyPackage returns the registered KeyPackage for userID, if any.
func (m *Manager) LookupKeyPackage(userID string) (KeyPackage, bool) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	kp, ok := m.keyPackages[userID]
	return kp, ok
}

func (m *Manager) channel(id ChannelID) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// CreateChannel generates a channel id, creates the MLS group whose id
// equals that channel id, and stores the Channel descriptor naming creator
// as its initial owner (§4.13).
func (m *Manager) CreateChannel(creatorUserID, creatorIdentity string, creatorSigningPub []byte, name string, timestamp uint64) (*Channel, error) {
	id, err := newChannelID()
	if err != nil {
		return nil, err
	}
	appSecret, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("channel: generate application secret: %w", err)
	}
	g, err := group.Create(id, creatorSigningPub, []byte(name), appSecret, m.groupCfg)
	if err != nil {
		return nil, utils.Wrap(err, "channel: create channel's mls group")
	}
	ch := &Channel{
		ID:         id,
		Group:      g,
		Descriptor: NewDescriptor(name, creatorUserID, creatorSigningPub, timestamp),
	}
	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()
	m.log.WithField("channel_id", fmt.Sprintf("%x", id[:8])).Info("channel created")
	return ch, nil
}

// CreateInvite adds invitee to channelID's MLS group via an Add proposal
// and commit, returning the commit (to broadcast to current members) and an
// InviteToken carrying the Welcome (§4.13). actorUserID must be an admin.
func (m *Manager) CreateInvite(channelID ChannelID, actorUserID string, invitee KeyPackage, expiresAt time.Time) (InviteToken, proposal.Commit, error) {
	ch, ok := m.channel(channelID)
	if !ok {
		return InviteToken{}, proposal.Commit{}, ErrNotFound
	}
	if !ch.Descriptor.IsAdmin(actorUserID) {
		return InviteToken{}, proposal.Commit{}, ErrNotAdmin
	}

	epoch := ch.Group.Epoch()
	if err := ch.Group.AddProposal(proposal.Proposal{
		Kind:      proposal.KindAdd,
		Epoch:     epoch,
		PublicKey: invitee.SigningPublicKey,
		Identity:  invitee.Identity,
	}); err != nil {
		return InviteToken{}, proposal.Commit{}, err
	}

	// nil path: this manager never refreshes the committer's own path key on
	// invite. That keeps FromSnapshot's always-blank path keys consistent
	// with what the committer actually has — a future caller that passes a
	// non-nil path here must also teach tree.FromSnapshot to carry path keys,
	// or joiners' root-hash verification in welcome.Join will diverge from
	// the committer's.
	result, err := ch.Group.Commit(nil, [][32]byte{invitee.X25519PublicKey})
	if err != nil {
		return InviteToken{}, proposal.Commit{}, err
	}
	if result.Welcome == nil {
		return InviteToken{}, proposal.Commit{}, fmt.Errorf("%w: commit produced no welcome for invitee", mls.ErrInvalidState)
	}

	ch.Descriptor.AddMember(invitee.UserID, invitee.SigningPublicKey)

	token := InviteToken{
		ChannelID:   channelID,
		WelcomeBlob: result.Welcome.Encode(),
		ChannelName: ch.Descriptor.Name.Value(),
		Inviter:     actorUserID,
		ExpiresAt:   expiresAt,
	}
	m.log.WithFields(logrus.Fields{"channel_id": fmt.Sprintf("%x", channelID[:8]), "invitee": invitee.UserID}).Info("invite created")
	return token, result.Commit, nil
}

// JoinChannel decodes token's welcome, joins the MLS group it describes,
// verifies the resulting group id matches the invite's channel id, and
// stores the new local Channel (§4.13).
func (m *Manager) JoinChannel(token InviteToken, selfUserID string, bundle KeyBundle, expectedRootHash [32]byte) (*Channel, error) {
	if time.Now().After(token.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	w, err := welcome.DecodeWelcome(token.WelcomeBlob)
	if err != nil {
		return nil, err
	}
	if w.GroupID != token.ChannelID {
		return nil, ErrChannelMismatch
	}

	secrets, reconstructed, err := welcome.Join(w, bundle.Public.X25519PublicKey, bundle.Private, expectedRootHash)
	if err != nil {
		return nil, err
	}

	selfLeaf, ok := leafIndexOf(reconstructed, bundle.Public.SigningPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: self public key not found in reconstructed tree", mls.ErrNotFound)
	}

	g, err := group.JoinFromWelcome(w.GroupID, reconstructed, selfLeaf, w.Metadata, secrets, m.groupCfg)
	if err != nil {
		return nil, utils.Wrap(err, "channel: join channel's mls group from welcome")
	}

	ch := &Channel{
		ID:         token.ChannelID,
		Group:      g,
		Descriptor: NewDescriptor(token.ChannelName, selfUserID, bundle.Public.SigningPublicKey, uint64(time.Now().Unix())),
	}
	m.mu.Lock()
	m.channels[token.ChannelID] = ch
	m.mu.Unlock()
	m.log.WithField("channel_id", fmt.Sprintf("%x", token.ChannelID[:8])).Info("joined channel from invite")
	return ch, nil
}

func leafIndexOf(t interface {
	LeafCount() int
	PublicKey(uint32) ([]byte, bool)
}, pub []byte) (uint32, bool) {
	for i := 0; i < t.LeafCount(); i++ {
		if existing, ok := t.PublicKey(uint32(i)); ok && string(existing) == string(pub) {
			return uint32(i), true
		}
	}
	return 0, false
}

// SendMessage encrypts plaintext for delivery within channelID (§4.13).
func (m *Manager) SendMessage(channelID ChannelID, plaintext []byte) (keyschedule.EncryptedMessage, error) {
	ch, ok := m.channel(channelID)
	if !ok {
		return keyschedule.EncryptedMessage{}, ErrNotFound
	}
	return ch.Group.SealMessage(plaintext)
}

// ReceiveMessage decrypts msg for the channel named by envelopeChannelID
// when known. If envelopeChannelID is nil it falls back to trying every
// locally-known channel's process_message until one succeeds — the
// temporary shape §4.13 calls out; direct group-id dispatch is preferred
// and should be the normal path once callers carry the envelope's group id
// end to end (§9 REDESIGN FLAGS).
func (m *Manager) ReceiveMessage(envelopeChannelID *ChannelID, msg keyschedule.EncryptedMessage) (ChannelID, []byte, error) {
	if envelopeChannelID != nil {
		ch, ok := m.channel(*envelopeChannelID)
		if !ok {
			return ChannelID{}, nil, ErrNotFound
		}
		plaintext, _, err := ch.Group.OpenMessage(msg)
		return *envelopeChannelID, plaintext, err
	}

	m.log.Warn("receive_message: no envelope group id, falling back to try-every-channel")
	m.mu.RLock()
	candidates := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		candidates = append(candidates, ch)
	}
	m.mu.RUnlock()

	for _, ch := range candidates {
		plaintext, _, err := ch.Group.OpenMessage(msg)
		if err == nil {
			return ch.ID, plaintext, nil
		}
	}
	return ChannelID{}, nil, fmt.Errorf("%w: no channel accepted the message", ErrNotFound)
}

// RemoveMember looks up target's leaf index via the channel's descriptor
// and issues a Remove proposal/commit, gated on actorUserID holding admin
// standing (§4.13).
func (m *Manager) RemoveMember(channelID ChannelID, actorUserID, targetUserID string) (proposal.Commit, error) {
	ch, ok := m.channel(channelID)
	if !ok {
		return proposal.Commit{}, ErrNotFound
	}
	if !ch.Descriptor.IsAdmin(actorUserID) {
		return proposal.Commit{}, ErrNotAdmin
	}
	targetPub, ok := ch.Descriptor.PublicKeyOf(targetUserID)
	if !ok {
		return proposal.Commit{}, ErrUnknownMember
	}
	leafIdx, ok := ch.Group.LeafIndexOf(targetPub)
	if !ok {
		return proposal.Commit{}, ErrUnknownMember
	}

	if err := ch.Group.AddProposal(proposal.Proposal{
		Kind:      proposal.KindRemove,
		Epoch:     ch.Group.Epoch(),
		LeafIndex: leafIdx,
	}); err != nil {
		return proposal.Commit{}, err
	}
	// nil path: see the CreateInvite call site — no path key refresh means
	// tree.FromSnapshot's blank path keys stay valid for joiners.
	result, err := ch.Group.Commit(nil, nil)
	if err != nil {
		return proposal.Commit{}, err
	}
	ch.Descriptor.RemoveMember(targetUserID)
	m.log.WithFields(logrus.Fields{"channel_id": fmt.Sprintf("%x", channelID[:8]), "target": targetUserID}).Info("member removed")
	return result.Commit, nil
}

// PromoteMember and DemoteMember adjust a member's role, gated the same way
// as RemoveMember (§4.13: "remove_member, promote_member, demote_member
// check is_admin(actor)").
func (m *Manager) PromoteMember(channelID ChannelID, actorUserID, targetUserID string) error {
	return m.setRole(channelID, actorUserID, targetUserID, RoleAdmin)
}

func (m *Manager) DemoteMember(channelID ChannelID, actorUserID, targetUserID string) error {
	return m.setRole(channelID, actorUserID, targetUserID, RoleMember)
}

func (m *Manager) setRole(channelID ChannelID, actorUserID, targetUserID string, role Role) error {
	ch, ok := m.channel(channelID)
	if !ok {
		return ErrNotFound
	}
	if !ch.Descriptor.IsAdmin(actorUserID) {
		return ErrNotAdmin
	}
	if _, ok := ch.Descriptor.RoleOf(targetUserID); !ok {
		return ErrUnknownMember
	}
	ch.Descriptor.SetRole(targetUserID, role)
	return nil
}

// ProcessCommit dispatches an externally-received commit to whichever
// locally-known channel accepts it, returning that channel's id (§4.13).
func (m *Manager) ProcessCommit(c proposal.Commit) (ChannelID, error) {
	m.mu.RLock()
	candidates := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		candidates = append(candidates, ch)
	}
	m.mu.RUnlock()

	for _, ch := range candidates {
		if err := ch.Group.ApplyCommit(c); err == nil {
			return ch.ID, nil
		}
	}
	return ChannelID{}, fmt.Errorf("%w: no channel accepted the commit", ErrNotFound)
}
