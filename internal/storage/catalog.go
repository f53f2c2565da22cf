package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kalambet/tally/internal/catalog"
)

// ReplaceCatalog swaps the persisted catalog for entities in one
// transaction. Readers never see a partially written catalog.
func (s *Store) ReplaceCatalog(ctx context.Context, entities []catalog.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning catalog transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entities`); err != nil {
		return fmt.Errorf("clearing catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_entities (id, type, name, source_table, source_column, category, members, attrs, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing catalog insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		members, err := json.Marshal(nonNilStrings(e.Meta.Members))
		if err != nil {
			return err
		}
		attrs := e.Meta.Attrs
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrsJSON, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Type), e.Name, e.Meta.SourceTable, e.Meta.Column,
			e.Meta.Category, string(members), string(attrsJSON), encodeFloat32s(e.Embedding)); err != nil {
			return fmt.Errorf("inserting entity %s: %w", e.ID, err)
		}
	}

	for k, v := range map[string]string{
		"built_at": formatTime(time.Now()),
		"count":    strconv.Itoa(len(entities)),
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO catalog_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing catalog meta: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCatalog restores the persisted catalog. An empty table yields an
// empty catalog.
func (s *Store) LoadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, source_table, source_column, category, members, attrs, embedding
		FROM catalog_entities ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer rows.Close()

	var entities []catalog.Entity
	for rows.Next() {
		var e catalog.Entity
		var typ, members, attrs string
		var blob []byte
		if err := rows.Scan(&e.ID, &typ, &e.Name, &e.Meta.SourceTable, &e.Meta.Column, &e.Meta.Category,
			&members, &attrs, &blob); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.Type = catalog.Type(typ)
		if err := json.Unmarshal([]byte(members), &e.Meta.Members); err != nil {
			return nil, fmt.Errorf("decoding members of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(attrs), &e.Meta.Attrs); err != nil {
			return nil, fmt.Errorf("decoding attrs of %s: %w", e.ID, err)
		}
		if len(e.Meta.Members) == 0 {
			e.Meta.Members = nil
		}
		if len(e.Meta.Attrs) == 0 {
			e.Meta.Attrs = nil
		}
		if e.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return catalog.New(entities)
}

// CatalogBuiltAt reports when the catalog was last replaced.
func (s *Store) CatalogBuiltAt(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = 'built_at'`).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s returns an error if the length is not a multiple of 4,
// which indicates corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
