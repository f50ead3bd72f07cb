// Package publish signs and submits records to their storage backend
// and commits them into the local index in the same call, so a
// publisher immediately reads its own writes.
package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/codec"
	"github.com/openindex/oipd/internal/crypto"
	"github.com/openindex/oipd/internal/crypto/envelope"
	"github.com/openindex/oipd/internal/index"
	"github.com/openindex/oipd/internal/ledger"
	"github.com/openindex/oipd/internal/metrics"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/peergraph"
	"github.com/openindex/oipd/internal/storage/statestore"
)

// Status is the lifecycle stage of a publish.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Request describes one record to publish.
type Request struct {
	RecordType    string                            `json:"recordType"`
	Sections      map[string]map[string]interface{} `json:"data"`
	Storage       oip.Storage                       `json:"storage"`
	LocalID       string                            `json:"localId,omitempty"`
	AccessControl *oip.AccessControl                `json:"accessControl,omitempty"`
	Encrypt       bool                              `json:"encrypt,omitempty"`
}

// Receipt is the result of a publish. Ledger publishes report
// submitted: the record is in the local index but final only once the
// reader observes its block. Peer publishes report confirmed.
type Receipt struct {
	DID       string      `json:"did"`
	Storage   oip.Storage `json:"storage"`
	Status    Status      `json:"status"`
	Encrypted bool        `json:"encrypted,omitempty"`
}

// Publisher signs, submits and locally commits records.
type Publisher struct {
	wallet  *crypto.Wallet
	ledger  *ledger.Client
	peer    *peergraph.Client
	indexer *index.Indexer
	dir     *oip.Directory
	state   *statestore.Store
	log     zerolog.Logger

	// userSalt parameterizes the owner encryption key. Stable per node;
	// losing it orphans the node's user-encrypted envelopes.
	userSalt []byte
}

// New creates a publisher around the node's wallet.
func New(wallet *crypto.Wallet, lc *ledger.Client, peer *peergraph.Client, ix *index.Indexer, dir *oip.Directory, state *statestore.Store, userSalt []byte, log zerolog.Logger) *Publisher {
	return &Publisher{
		wallet:   wallet,
		ledger:   lc,
		peer:     peer,
		indexer:  ix,
		dir:      dir,
		state:    state,
		userSalt: userSalt,
		log:      log.With().Str("component", "publisher").Logger(),
	}
}

// Publish validates, signs and submits one record, then commits it to
// the local index before returning. Publishing identical content twice
// yields the same did and the second commit is a no-op.
func (p *Publisher) Publish(ctx context.Context, req *Request) (*Receipt, error) {
	if p.wallet == nil {
		return nil, oip.E(oip.KindBadRequest, "publish.Publish", "node has no wallet configured")
	}
	if req.RecordType == "" || len(req.Sections) == 0 {
		return nil, oip.E(oip.KindBadRequest, "publish.Publish", "recordType and data are required")
	}
	if err := codec.Validate(req.Sections, p.dir); err != nil {
		return nil, err
	}

	var (
		receipt *Receipt
		err     error
	)
	switch req.Storage {
	case oip.StorageLedger:
		receipt, err = p.publishLedger(ctx, req)
	case oip.StoragePeer:
		receipt, err = p.publishPeer(ctx, req)
	default:
		return nil, oip.E(oip.KindBadRequest, "publish.Publish",
			"storage must be ledger or peer")
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PublishTotal.WithLabelValues(string(req.Storage), outcome).Inc()
	return receipt, err
}

// publishLedger compresses the sections, signs the payload with the
// digest-derived child key, and submits a client-signed transaction.
func (p *Publisher) publishLedger(ctx context.Context, req *Request) (*Receipt, error) {
	compressed, err := codec.Compress(req.Sections, p.dir)
	if err != nil {
		return nil, err
	}
	digest, err := crypto.PayloadDigest(compressed)
	if err != nil {
		return nil, err
	}
	keyIndex := crypto.KeyIndexFor(digest)
	signKey, err := p.wallet.RecordSigningKey(0, keyIndex)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.SignCanonical(signKey, compressed)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Str("digest", digest).Uint32("keyIndex", keyIndex).Msg("payload signed")

	creatorPub := crypto.PubKeyHex(p.wallet.IdentityPub())
	payload := &ledger.RecordPayload{
		RecordType:    req.RecordType,
		Data:          compressed,
		AccessControl: req.AccessControl,
		CreatorPubKey: creatorPub,
		Signature:     sig,
		Ver:           ledger.VerClientSigned,
	}
	raw, err := oip.CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	txID, err := p.ledger.Submit(ctx, &ledger.SubmitRequest{
		Tags: map[string]string{
			ledger.TagIndexMethod:   ledger.IndexMethodOIP,
			ledger.TagVer:           ledger.VerClientSigned,
			ledger.TagContentType:   ledger.ContentTypeJSON,
			ledger.TagCreator:       p.wallet.DID(),
			ledger.TagCreatorSig:    sig,
			ledger.TagPayloadDigest: digest,
			ledger.TagKeyIndex:      strconv.FormatUint(uint64(keyIndex), 10),
		},
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}

	did := oip.LedgerDID(txID)
	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:           did,
			DidTx:         oip.LegacyDID(txID),
			RecordType:    req.RecordType,
			Storage:       oip.StorageLedger,
			Creator:       oip.Creator{PubKey: creatorPub, Address: crypto.Address(p.wallet.IdentityPub())},
			Signature:     sig,
			AccessControl: req.AccessControl,
			Ver:           ledger.VerClientSigned,
		},
		Sections: req.Sections,
	}
	if err := p.indexer.Commit(ctx, &index.Item{Record: r, Source: "publish"}); err != nil {
		return nil, err
	}
	p.log.Info().Str("did", did).Msg("ledger record submitted")
	return &Receipt{DID: did, Storage: oip.StorageLedger, Status: StatusSubmitted}, nil
}

// PublishSigned relays a record the client built and signed itself.
// The node checks the digest-to-key binding, forwards the payload with
// the client's signature tags unchanged, and commits the expanded
// record locally. No node wallet is involved.
func (p *Publisher) PublishSigned(ctx context.Context, sub *SignedSubmission) (*Receipt, error) {
	if err := VerifyClientSigned(sub); err != nil {
		metrics.PublishTotal.WithLabelValues(string(oip.StorageLedger), "error").Inc()
		return nil, err
	}
	payload := sub.Payload
	if payload.RecordType == "" || len(payload.Data) == 0 {
		return nil, oip.E(oip.KindBadRequest, "publish.PublishSigned", "recordType and data are required")
	}
	sections, err := codec.Expand(payload.Data, p.dir)
	if err != nil {
		return nil, err
	}
	if err := codec.Validate(sections, p.dir); err != nil {
		return nil, err
	}

	payload.Ver = ledger.VerClientSigned
	if payload.Signature == "" {
		payload.Signature = sub.Signature
	}
	raw, err := oip.CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	txID, err := p.ledger.Submit(ctx, &ledger.SubmitRequest{
		Tags: map[string]string{
			ledger.TagIndexMethod:   ledger.IndexMethodOIP,
			ledger.TagVer:           ledger.VerClientSigned,
			ledger.TagContentType:   ledger.ContentTypeJSON,
			ledger.TagCreator:       payload.CreatorPubKey,
			ledger.TagCreatorSig:    sub.Signature,
			ledger.TagPayloadDigest: sub.PayloadDigest,
			ledger.TagKeyIndex:      strconv.FormatUint(uint64(sub.KeyIndex), 10),
		},
		Payload: raw,
	})
	if err != nil {
		metrics.PublishTotal.WithLabelValues(string(oip.StorageLedger), "error").Inc()
		return nil, err
	}

	did := oip.LedgerDID(txID)
	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:           did,
			DidTx:         oip.LegacyDID(txID),
			RecordType:    payload.RecordType,
			Storage:       oip.StorageLedger,
			Creator:       oip.Creator{PubKey: payload.CreatorPubKey},
			Signature:     sub.Signature,
			AccessControl: payload.AccessControl,
			Ver:           ledger.VerClientSigned,
		},
		Sections: sections,
	}
	if err := p.indexer.Commit(ctx, &index.Item{Record: r, Source: "publish"}); err != nil {
		return nil, err
	}
	metrics.PublishTotal.WithLabelValues(string(oip.StorageLedger), "ok").Inc()
	p.log.Info().Str("did", did).Msg("client-signed record relayed")
	return &Receipt{DID: did, Storage: oip.StorageLedger, Status: StatusSubmitted}, nil
}

// publishPeer writes a graph envelope under the record's soul,
// sealing it first when encryption was requested, then advertises it
// in the node's registry.
func (p *Publisher) publishPeer(ctx context.Context, req *Request) (*Receipt, error) {
	creatorPub := crypto.PubKeyHex(p.wallet.IdentityPub())
	soul, err := peergraph.Soul(creatorPub, req.LocalID, req.Sections)
	if err != nil {
		return nil, oip.E(oip.KindBadRequest, "publish.Publish", err)
	}
	did := oip.PeerDID(soul)

	sig, err := crypto.SignCanonical(p.wallet.IdentityKey(), req.Sections)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	env := &peergraph.Envelope{
		Data: req.Sections,
		OIP: peergraph.EnvelopeMeta{
			Did:         did,
			RecordType:  req.RecordType,
			CreatorPub:  creatorPub,
			Signature:   sig,
			Access:      req.AccessControl,
			Ver:         ledger.VerClientSigned,
			LastUpdated: now.UnixMilli(),
		},
	}
	if req.Encrypt {
		key, err := p.encryptionKey(req.AccessControl, creatorPub)
		if err != nil {
			return nil, err
		}
		if err := env.SealData(key); err != nil {
			return nil, err
		}
	}
	if err := p.peer.Put(ctx, soul, env); err != nil {
		return nil, err
	}
	if err := p.advertise(ctx, did, req.RecordType, creatorPub, now, req.Encrypt); err != nil {
		p.log.Warn().Err(err).Str("did", did).Msg("registry advertisement failed")
	}

	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:           did,
			RecordType:    req.RecordType,
			Storage:       oip.StoragePeer,
			Creator:       oip.Creator{PubKey: creatorPub, Address: crypto.Address(p.wallet.IdentityPub())},
			Signature:     sig,
			AccessControl: req.AccessControl,
			Ver:           ledger.VerClientSigned,
		},
		Sections: req.Sections,
	}
	if err := p.indexer.Commit(ctx, &index.Item{Record: r, Source: "publish"}); err != nil {
		return nil, err
	}
	p.log.Info().Str("did", did).Bool("encrypted", req.Encrypt).Msg("peer record published")
	return &Receipt{DID: did, Storage: oip.StoragePeer, Status: StatusConfirmed, Encrypted: req.Encrypt}, nil
}

// encryptionKey selects the envelope key: the organization key when the
// record is organization-scoped, the owner key otherwise.
func (p *Publisher) encryptionKey(ac *oip.AccessControl, ownerPub string) ([]byte, error) {
	if ac != nil && ac.OrganizationDid != "" {
		return envelope.OrgKey(ac.OrganizationDid), nil
	}
	if len(p.userSalt) == 0 {
		return nil, oip.E(oip.KindBadRequest, "publish.Publish",
			"owner encryption requires a configured key salt")
	}
	return envelope.UserKey(ownerPub, p.userSalt), nil
}

// advertise merges the record into the node's registry soul so peers
// discover it on their next sync cycle.
func (p *Publisher) advertise(ctx context.Context, did, recordType, creatorPub string, at time.Time, encrypted bool) error {
	return p.peer.Put(ctx, peergraph.RegistrySoul, &peergraph.Envelope{
		Meta: map[string]interface{}{
			did: peergraph.RegistryEntry{
				RecordType:    recordType,
				CreatorPubKey: creatorPub,
				LastUpdated:   at.UnixMilli(),
				Encrypted:     encrypted,
			},
		},
	})
}

// Delete tombstones a peer record, registers the deletion and removes
// the local index copy. Ledger records are permanent and not deletable.
func (p *Publisher) Delete(ctx context.Context, did string) error {
	parsed, err := oip.ParseDID(did)
	if err != nil {
		return oip.E(oip.KindBadRequest, "publish.Delete", err)
	}
	if parsed.Storage != oip.StoragePeer {
		return oip.E(oip.KindBadRequest, "publish.Delete", "only peer records can be deleted")
	}
	if err := p.peer.Delete(ctx, parsed.ID); err != nil {
		return err
	}
	if _, err := p.state.AppendDeletion(did); err != nil {
		return err
	}
	return p.indexer.DeleteRecord(ctx, did)
}
