package ledger

import (
	"sort"
	"strings"
	"time"

	"nutwallet/cashu"
)

const localRecordPrefix = "local:"

// TokenRecord groups proofs persisted by one log event. Local records have not
// been published yet.
type TokenRecord struct {
	ID         string          `json:"id"`
	Issuer     cashu.IssuerURL `json:"issuer"`
	CreatedAt  time.Time       `json:"created_at"`
	Published  bool            `json:"published"`
	Superseded bool            `json:"superseded"`
	Proofs     cashu.Proofs    `json:"proofs,omitempty"`
}

// Local reports whether the record only exists in memory.
func (r TokenRecord) Local() bool { return strings.HasPrefix(r.ID, localRecordPrefix) }

func (r *TokenRecord) dirty() bool { return !r.Published || r.Superseded }

func (r *TokenRecord) snapshot(proofs cashu.Proofs) TokenRecord {
	out := *r
	out.Proofs = proofs.Clone()
	return out
}

// Pending is the state an issuer needs published: the live proofs of every
// unpublished or superseded record, and the published events the new record
// replaces.
type Pending struct {
	Issuer   cashu.IssuerURL
	Proofs   cashu.Proofs
	Obsolete []string
}

// Empty reports whether nothing needs publishing.
func (p Pending) Empty() bool { return len(p.Proofs) == 0 && len(p.Obsolete) == 0 }

// PendingPublication collects what must be written to the log for issuer.
func (l *Ledger) PendingPublication(issuer cashu.IssuerURL) Pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Pending{Issuer: issuer}
	for _, rec := range l.sortedRecordsLocked(issuer) {
		if !rec.dirty() {
			continue
		}
		for _, e := range l.entriesOfLocked(rec.ID) {
			if e.State.live() {
				out.Proofs = append(out.Proofs, e.Proof)
			}
		}
		if rec.Published && rec.Superseded {
			out.Obsolete = append(out.Obsolete, rec.ID)
		}
	}
	return out
}

// Bind moves the listed proofs into the published record eventID. Records left
// without live proofs are dropped when local or superseded otherwise. The new
// record is itself superseded if any bound proof was spent meanwhile.
func (l *Ledger) Bind(issuer cashu.IssuerURL, secrets []string, eventID string) TokenRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[eventID]
	if !ok {
		rec = &TokenRecord{ID: eventID, Issuer: issuer, CreatedAt: l.now(), Published: true}
		l.records[eventID] = rec
	}
	touched := make(map[string]struct{})
	var bound cashu.Proofs
	for _, secret := range secrets {
		e, ok := l.entries[secret]
		if !ok || e.Issuer != issuer {
			continue
		}
		if e.RecordID != eventID {
			touched[e.RecordID] = struct{}{}
		}
		e.RecordID = eventID
		if e.State == Spent {
			rec.Superseded = true
			continue
		}
		bound = append(bound, e.Proof)
	}
	for id := range touched {
		old, ok := l.records[id]
		if !ok {
			continue
		}
		if l.hasLiveLocked(id) {
			continue
		}
		if old.Published {
			old.Superseded = true
			continue
		}
		l.dropLocked(id)
	}
	return rec.snapshot(bound)
}

// Records lists the issuer's records with their live proofs.
func (l *Ledger) Records(issuer cashu.IssuerURL) []TokenRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.sortedRecordsLocked(issuer)
	out := make([]TokenRecord, 0, len(recs))
	for _, rec := range recs {
		var proofs cashu.Proofs
		for _, e := range l.entriesOfLocked(rec.ID) {
			if e.State.live() {
				proofs = append(proofs, e.Proof)
			}
		}
		out = append(out, rec.snapshot(proofs))
	}
	return out
}

// Superseded lists published records of issuer that back no live proof and
// await deletion from the log.
func (l *Ledger) Superseded(issuer cashu.IssuerURL) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, rec := range l.sortedRecordsLocked(issuer) {
		if rec.Published && rec.Superseded && !l.hasLiveLocked(rec.ID) {
			out = append(out, rec.ID)
		}
	}
	return out
}

// Forget drops records whose deletion was published. Records still backing
// live proofs are kept.
func (l *Ledger) Forget(recordIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range recordIDs {
		if _, ok := l.records[id]; !ok {
			continue
		}
		if l.hasLiveLocked(id) {
			continue
		}
		l.dropLocked(id)
	}
}

// Dirty lists issuers with records awaiting publication.
func (l *Ledger) Dirty() []cashu.IssuerURL {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[cashu.IssuerURL]struct{})
	for _, rec := range l.records {
		if rec.dirty() {
			seen[rec.Issuer] = struct{}{}
		}
	}
	out := make([]cashu.IssuerURL, 0, len(seen))
	for issuer := range seen {
		out = append(out, issuer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ledger) dropLocked(recordID string) {
	for secret, e := range l.entries {
		if e.RecordID == recordID && e.State == Spent {
			delete(l.entries, secret)
		}
	}
	delete(l.records, recordID)
}

func (l *Ledger) hasLiveLocked(recordID string) bool {
	for _, e := range l.entries {
		if e.RecordID == recordID && e.State.live() {
			return true
		}
	}
	return false
}

func (l *Ledger) entriesOfLocked(recordID string) []*Entry {
	var out []*Entry
	for _, e := range l.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proof.Secret < out[j].Proof.Secret })
	return out
}

func (l *Ledger) proofsOfLocked(recordID string) cashu.Proofs {
	var out cashu.Proofs
	for _, e := range l.entriesOfLocked(recordID) {
		out = append(out, e.Proof)
	}
	return out
}

func (l *Ledger) sortedRecordsLocked(issuer cashu.IssuerURL) []*TokenRecord {
	var out []*TokenRecord
	for _, rec := range l.records {
		if rec.Issuer == issuer {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
