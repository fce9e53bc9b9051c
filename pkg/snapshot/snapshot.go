// Package snapshot captures the live drfw table as a restore program,
// persists checksummed generations and restores them with a fallback
// cascade that ends in the emergency config.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledati16/drfw/pkg/nft"
)

// Snapshot is one persisted recovery point.
type Snapshot struct {
	ID          uuid.UUID  `json:"id"`
	Generation  uint64     `json:"generation"`
	CreatedAt   time.Time  `json:"created_at"`
	Description string     `json:"description"`
	Checksum    string     `json:"checksum"`
	Config      nft.Config `json:"config"`

	// Path is where the snapshot was read from or written to.
	Path string `json:"-"`
}

// New builds a snapshot of cfg with a fresh id and checksum.
func New(cfg nft.Config, generation uint64, description string, now time.Time) (Snapshot, error) {
	sum, err := nft.Checksum(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: checksum: %w", err)
	}
	return Snapshot{
		ID:          uuid.New(),
		Generation:  generation,
		CreatedAt:   now.UTC(),
		Description: description,
		Checksum:    sum,
		Config:      cfg,
	}, nil
}

// Validate checks the program's structure and recomputes its checksum.
func (s Snapshot) Validate() error {
	if err := nft.Validate(s.Config); err != nil {
		kind := Corrupted
		if errors.Is(err, nft.ErrEmpty) || errors.Is(err, nft.ErrNoTableOps) {
			kind = Empty
		}
		return &Error{Kind: kind, Path: s.Path, Err: err}
	}
	sum, err := nft.Checksum(s.Config)
	if err != nil {
		return &Error{Kind: Corrupted, Path: s.Path, Err: err}
	}
	if sum != s.Checksum {
		return &Error{Kind: ChecksumMismatch, Path: s.Path, Err: fmt.Errorf("stored %s, computed %s", short(s.Checksum), short(sum))}
	}
	return nil
}

// Short returns the first eight characters of the id.
func (s Snapshot) Short() string { return s.ID.String()[:8] }

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// Normalize turns `nft --json list table inet drfw` output into a program
// that recreates the table exactly: add and flush the table, then add every
// listed object without its kernel handle.
func Normalize(listing nft.Config) nft.Config {
	var out nft.Config
	out.Add("table", nft.TableBody())
	out.Append("flush", "table", nft.TableBody())
	for _, cmd := range listing.Nftables {
		switch cmd.Kind {
		case "metainfo", "table":
			continue
		}
		body := make(map[string]any, len(cmd.Body))
		for k, v := range cmd.Body {
			if k == "handle" {
				continue
			}
			body[k] = v
		}
		out.Add(cmd.Kind, body)
	}
	return out
}

// RemovalProgram restores the state "no drfw table": adding first makes the
// delete succeed whether or not the table exists.
func RemovalProgram() nft.Config {
	var out nft.Config
	out.Add("table", nft.TableBody())
	out.Append("delete", "table", nft.TableBody())
	return out
}
