package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// Store combines the per-table stores into a domain.Store.
type Store struct {
	*AccountStore
	*BetStore
	*TransactionStore
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		AccountStore:     NewAccountStore(pool),
		BetStore:         NewBetStore(pool),
		TransactionStore: NewTransactionStore(pool),
		pool:             pool,
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

var _ domain.Store = (*Store)(nil)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// listClause appends the time range, ordering and paging of opts to query.
func listClause(query string, args []any, column string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", column, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s < $%d", column, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", column)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// AccountStore implements domain.AccountStore.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore backed by pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectCols = `id, balance::text, created_at, updated_at`

func scanAccount(r rowScanner) (domain.Account, error) {
	var a domain.Account
	var balance string
	if err := r.Scan(&a.UserID, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	var err error
	a.Balance, err = parseDecimal("balance", balance)
	return a, err
}

// EnsureAccount creates the account with initial balance if it is missing
// and returns the stored row either way.
func (s *AccountStore) EnsureAccount(ctx context.Context, userID string, initial decimal.Decimal) (domain.Account, error) {
	const insert = `INSERT INTO users (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, userID, initial.StringFixed(2)); err != nil {
		return domain.Account{}, fmt.Errorf("postgres: ensure account %s: %w", userID, err)
	}
	return s.GetAccount(ctx, userID)
}

// GetAccount returns the account for userID or domain.ErrNotFound.
func (s *AccountStore) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountSelectCols+` FROM users WHERE id = $1`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return a, nil
}

// BetStore implements domain.BetStore. Balance changes lock the user row
// with SELECT ... FOR UPDATE so concurrent placements and settlements for one
// user serialize.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a BetStore backed by pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betSelectCols = `id, user_id, amount::text, multiplier::text, price_level::text,
	target_tick, grid_row, grid_col, status, payout::text,
	price_at_placement::text, tick_at_placement, price_at_settlement::text,
	settled_tick, placed_at, settled_at`

func scanBet(r rowScanner) (domain.Bet, error) {
	var b domain.Bet
	var amount, mult, level, payout, atPlacement, status string
	var atSettlement *string
	err := r.Scan(
		&b.ID, &b.UserID, &amount, &mult, &level,
		&b.TargetTick, &b.GridRow, &b.GridCol, &status, &payout,
		&atPlacement, &b.TickAtPlacement, &atSettlement,
		&b.SettledTick, &b.PlacedAt, &b.SettledAt,
	)
	if err != nil {
		return domain.Bet{}, err
	}
	b.Status = domain.BetStatus(status)
	if b.Amount, err = parseDecimal("amount", amount); err != nil {
		return domain.Bet{}, err
	}
	if b.Multiplier, err = parseDecimal("multiplier", mult); err != nil {
		return domain.Bet{}, err
	}
	if b.PriceLevel, err = parseDecimal("price_level", level); err != nil {
		return domain.Bet{}, err
	}
	if b.Payout, err = parseDecimal("payout", payout); err != nil {
		return domain.Bet{}, err
	}
	if b.PriceAtPlacement, err = parseDecimal("price_at_placement", atPlacement); err != nil {
		return domain.Bet{}, err
	}
	if atSettlement != nil {
		p, err := parseDecimal("price_at_settlement", *atSettlement)
		if err != nil {
			return domain.Bet{}, err
		}
		b.PriceAtSettlement = &p
	}
	return b, nil
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	defer rows.Close()
	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// lockBalance reads and locks the user's balance row.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var balance string
	err := tx.QueryRow(ctx, `SELECT balance::text FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal("balance", balance)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t domain.Transaction) error {
	const q = `
		INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, bet_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`
	_, err := tx.Exec(ctx, q,
		t.ID, t.UserID, string(t.Type),
		t.Amount.StringFixed(2), t.BalanceBefore.StringFixed(2), t.BalanceAfter.StringFixed(2),
		t.BetID, t.CreatedAt,
	)
	return err
}

// PlaceBet debits the stake, inserts the bet and appends BET_PLACED in one
// transaction.
func (s *BetStore) PlaceBet(ctx context.Context, bet domain.Bet) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: begin: %w: %w", bet.ID, domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := lockBalance(ctx, tx, bet.UserID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: lock user %s: %w", bet.ID, bet.UserID, err)
	}
	if before.LessThan(bet.Amount) {
		return before, domain.ErrInsufficientBalance
	}
	after := before.Sub(bet.Amount)

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = $2, updated_at = $3 WHERE id = $1`,
		bet.UserID, after.StringFixed(2), bet.PlacedAt,
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: debit: %w", bet.ID, err)
	}

	const insertBet = `
		INSERT INTO bets (
			id, user_id, amount, multiplier, price_level, target_tick,
			grid_row, grid_col, status, payout, price_at_placement,
			tick_at_placement, placed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'ACTIVE', 0, $9, $10, $11)`
	if _, err := tx.Exec(ctx, insertBet,
		bet.ID, bet.UserID, bet.Amount.StringFixed(2), bet.Multiplier.StringFixed(2),
		bet.PriceLevel.String(), bet.TargetTick, bet.GridRow, bet.GridCol,
		bet.PriceAtPlacement.String(), bet.TickAtPlacement, bet.PlacedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return before, fmt.Errorf("postgres: bet %s: %w", bet.ID, domain.ErrAlreadyExists)
		}
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: insert: %w", bet.ID, err)
	}

	if err := insertTransaction(ctx, tx, domain.Transaction{
		ID:            uuid.NewString(),
		UserID:        bet.UserID,
		Type:          domain.TxBetPlaced,
		Amount:        bet.Amount.Neg(),
		BalanceBefore: before,
		BalanceAfter:  after,
		BetID:         bet.ID,
		CreatedAt:     bet.PlacedAt,
	}); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: record transaction: %w", bet.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: place bet %s: commit: %w", bet.ID, err)
	}
	return after, nil
}

// SettleBet applies st to a still-ACTIVE bet in one transaction.
func (s *BetStore) SettleBet(ctx context.Context, st domain.Settlement) (domain.SettlementResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: begin: %w: %w", st.BetID, domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID, status string
	err = tx.QueryRow(ctx, `SELECT user_id, status FROM bets WHERE id = $1 FOR UPDATE`, st.BetID).Scan(&userID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: lock: %w", st.BetID, err)
	}
	if domain.BetStatus(status) != domain.BetStatusActive {
		return domain.SettlementResult{}, domain.ErrAlreadySettled
	}

	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: lock user %s: %w", st.BetID, userID, err)
	}

	const update = `
		UPDATE bets
		SET status = $2, payout = $3, price_at_settlement = $4, settled_tick = $5, settled_at = $6
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING ` + betSelectCols
	bet, err := scanBet(tx.QueryRow(ctx, update,
		st.BetID, string(st.Status), st.Payout.StringFixed(2),
		st.Price.String(), st.Tick, st.SettledAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementResult{}, domain.ErrAlreadySettled
	}
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: update: %w", st.BetID, err)
	}

	if st.Status == domain.BetStatusWon && st.Payout.IsPositive() {
		after := balance.Add(st.Payout)
		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = $2, updated_at = $3 WHERE id = $1`,
			userID, after.StringFixed(2), st.SettledAt,
		); err != nil {
			return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: credit: %w", st.BetID, err)
		}
		if err := insertTransaction(ctx, tx, domain.Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Type:          domain.TxBetWon,
			Amount:        st.Payout,
			BalanceBefore: balance,
			BalanceAfter:  after,
			BetID:         st.BetID,
			CreatedAt:     st.SettledAt,
		}); err != nil {
			return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: record transaction: %w", st.BetID, err)
		}
		balance = after
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("postgres: settle bet %s: commit: %w", st.BetID, err)
	}
	return domain.SettlementResult{Bet: bet, NewBalance: balance}, nil
}

// GetBet returns a single bet or domain.ErrNotFound.
func (s *BetStore) GetBet(ctx context.Context, id string) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betSelectCols+` FROM bets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: get bet %s: %w", id, err)
	}
	return b, nil
}

// ListActiveBets returns every ACTIVE bet, oldest first.
func (s *BetStore) ListActiveBets(ctx context.Context) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betSelectCols+` FROM bets WHERE status = 'ACTIVE' ORDER BY placed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active bets: %w", err)
	}
	bets, err := collectBets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active bets: %w", err)
	}
	return bets, nil
}

// ListBetsByUser returns a user's bets newest first.
func (s *BetStore) ListBetsByUser(ctx context.Context, userID string, status domain.BetStatus, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query, args = listClause(query, args, "placed_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for %s: %w", userID, err)
	}
	bets, err := collectBets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for %s: %w", userID, err)
	}
	return bets, nil
}

// ListSettledBefore returns terminal bets settled before the cutoff, oldest
// first.
func (s *BetStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+betSelectCols+` FROM bets
		WHERE status <> 'ACTIVE' AND settled_at < $1
		ORDER BY settled_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled bets: %w", err)
	}
	bets, err := collectBets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled bets: %w", err)
	}
	return bets, nil
}

// TransactionStore implements domain.TransactionStore.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a TransactionStore backed by pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const txSelectCols = `id, user_id, type, amount::text, balance_before::text,
	balance_after::text, COALESCE(bet_id, ''), created_at`

func scanTransaction(r rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var typ, amount, before, after string
	if err := r.Scan(&t.ID, &t.UserID, &typ, &amount, &before, &after, &t.BetID, &t.CreatedAt); err != nil {
		return domain.Transaction{}, err
	}
	t.Type = domain.TransactionType(typ)
	var err error
	if t.Amount, err = parseDecimal("amount", amount); err != nil {
		return domain.Transaction{}, err
	}
	if t.BalanceBefore, err = parseDecimal("balance_before", before); err != nil {
		return domain.Transaction{}, err
	}
	if t.BalanceAfter, err = parseDecimal("balance_after", after); err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactions returns a user's transactions newest first.
func (s *TransactionStore) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query, args := listClause(`SELECT `+txSelectCols+` FROM transactions WHERE user_id = $1`,
		[]any{userID}, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for %s: %w", userID, err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for %s: %w", userID, err)
	}
	return txs, nil
}

// Summary aggregates a user's transactions in the database.
func (s *TransactionStore) Summary(ctx context.Context, userID string) (domain.TransactionSummary, error) {
	const q = `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'BET_PLACED' THEN -amount ELSE 0 END), 0)::text,
			COALESCE(SUM(CASE WHEN type = 'BET_WON' THEN amount ELSE 0 END), 0)::text,
			COUNT(*)
		FROM transactions WHERE user_id = $1`
	var wagered, won string
	var sum domain.TransactionSummary
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&wagered, &won, &sum.TransactionCount); err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("postgres: summary for %s: %w", userID, err)
	}
	var err error
	if sum.TotalWagered, err = parseDecimal("total_wagered", wagered); err != nil {
		return domain.TransactionSummary{}, err
	}
	if sum.TotalWon, err = parseDecimal("total_won", won); err != nil {
		return domain.TransactionSummary{}, err
	}
	sum.Profit = sum.TotalWon.Sub(sum.TotalWagered)
	return sum, nil
}

// ListTransactionsBefore returns transactions created before the cutoff,
// oldest first.
func (s *TransactionStore) ListTransactionsBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE created_at < $1 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions before %s: %w", before.Format(time.RFC3339), err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions before: %w", err)
	}
	return txs, nil
}
