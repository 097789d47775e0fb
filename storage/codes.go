package storage

import (
	"errors"
	"fmt"
)

// SaveAccessCode inserts a new access code row keyed by the code hash.
func (s *Store) SaveAccessCode(code AccessCode) error {
	if code.CodeHash == "" {
		return errors.New("code_hash is required")
	}
	if code.Role == "" {
		return errors.New("role is required")
	}
	if code.ExpiresAt <= 0 {
		return errors.New("expires_at must be > 0")
	}
	if code.CreatedAt == 0 {
		code.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO access_codes (
			code_hash,
			role,
			sublan,
			expires_at,
			reusable,
			consumed,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.CodeHash,
		code.Role,
		code.SubLan,
		code.ExpiresAt,
		boolToInt(code.Reusable),
		boolToInt(code.Consumed),
		code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access code: %w", err)
	}

	return nil
}

// MarkCodeConsumed flags a single-use code as redeemed.
func (s *Store) MarkCodeConsumed(codeHash string) error {
	if codeHash == "" {
		return errors.New("code_hash is required")
	}

	res, err := s.db.Exec(
		`UPDATE access_codes SET consumed = 1 WHERE code_hash = ?`,
		codeHash,
	)
	if err != nil {
		return fmt.Errorf("mark code consumed: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark code consumed: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAccessCode removes a code row, typically on revocation or expiry.
func (s *Store) DeleteAccessCode(codeHash string) error {
	if codeHash == "" {
		return errors.New("code_hash is required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM access_codes WHERE code_hash = ?`,
		codeHash,
	); err != nil {
		return fmt.Errorf("delete access code: %w", err)
	}

	return nil
}

// ListAccessCodes returns all persisted codes, expired ones included; the
// caller decides what to prune.
func (s *Store) ListAccessCodes() ([]AccessCode, error) {
	rows, err := s.db.Query(
		`SELECT
			code_hash,
			role,
			sublan,
			expires_at,
			reusable,
			consumed,
			created_at
		FROM access_codes
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list access codes: %w", err)
	}
	defer rows.Close()

	codes := make([]AccessCode, 0)
	for rows.Next() {
		var (
			code     AccessCode
			reusable int
			consumed int
		)
		if err := rows.Scan(
			&code.CodeHash,
			&code.Role,
			&code.SubLan,
			&code.ExpiresAt,
			&reusable,
			&consumed,
			&code.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan access code row: %w", err)
		}
		code.Reusable = reusable == 1
		code.Consumed = consumed == 1
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access code rows: %w", err)
	}

	return codes, nil
}
