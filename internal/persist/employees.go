package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Employee is a person who can sign in on a panel.
type Employee struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AddEmployee creates or renames an employee.
func (s *Store) AddEmployee(ctx context.Context, e Employee) error {
	if !strings.Contains(e.Email, "@") {
		return fmt.Errorf("invalid employee email %q", e.Email)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (email, name) VALUES (?, ?)
		ON CONFLICT(email) DO UPDATE SET name = excluded.name
	`, e.Email, e.Name)
	if err != nil {
		return fmt.Errorf("failed to add employee: %w", err)
	}
	return nil
}

// Employee looks up an employee by email.
func (s *Store) Employee(ctx context.Context, email string) (Employee, error) {
	e := Employee{Email: email}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM employees WHERE email = ?`, email).Scan(&e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("failed to get employee: %w", err)
	}
	return e, nil
}

// ListEmployees returns all employees ordered by email.
func (s *Store) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email, name FROM employees ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.Email, &e.Name); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetPasscode assigns a numeric passcode to an existing employee,
// replacing any previous owner of the code.
func (s *Store) SetPasscode(ctx context.Context, passcode uint32, email string) error {
	if _, err := s.Employee(ctx, email); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passcodes (passcode, employee_email) VALUES (?, ?)
		ON CONFLICT(passcode) DO UPDATE SET employee_email = excluded.employee_email
	`, int64(passcode), email)
	if err != nil {
		return fmt.Errorf("failed to set passcode: %w", err)
	}
	return nil
}

// AuthByPasscode returns the email of the passcode's owner.
func (s *Store) AuthByPasscode(ctx context.Context, passcode uint32) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT employee_email FROM passcodes WHERE passcode = ?`, int64(passcode)).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to authenticate passcode: %w", err)
	}
	return email, nil
}
