package core

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"qbitcoin/internal/errs"
)

const accountDBSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	address     TEXT PRIMARY KEY,
	balance     REAL NOT NULL DEFAULT 0,
	pubkey_block INTEGER,
	tx_count    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tx_blocks (
	address   TEXT NOT NULL,
	block_num INTEGER NOT NULL,
	PRIMARY KEY (address, block_num)
);
CREATE INDEX IF NOT EXISTS idx_tx_blocks_block_num ON tx_blocks(block_num);
CREATE TABLE IF NOT EXISTS last_block (
	height INTEGER PRIMARY KEY
);
`

// AccountDB is the compact address -> balance ledger backed by an
// embedded SQLite database, per spec §4.4.
type AccountDB struct {
	mu  sync.Mutex
	db  *sql.DB
	log *logrus.Logger
}

// NewAccountDB opens (creating if absent) the SQLite-backed account
// database at path.
func NewAccountDB(path string, log *logrus.Logger) (*AccountDB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open account db: %v", errs.ErrStorage, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention
	if _, err := db.Exec(accountDBSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create account db schema: %v", errs.ErrStorage, err)
	}
	return &AccountDB{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (a *AccountDB) Close() error {
	return a.db.Close()
}

// Balance returns address's current balance, or zero if the address has
// never been credited.
func (a *AccountDB) Balance(address string) (float64, error) {
	var balance float64
	err := a.db.QueryRow(`SELECT balance FROM accounts WHERE address = ?`, address).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query balance: %v", errs.ErrStorage, err)
	}
	return balance, nil
}

// PubkeyBlock returns the height of the first block that recorded a
// public key for address, or nil if none has been recorded yet.
func (a *AccountDB) PubkeyBlock(address string) (*uint32, error) {
	var height sql.NullInt64
	err := a.db.QueryRow(`SELECT pubkey_block FROM accounts WHERE address = ?`, address).Scan(&height)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query pubkey_block: %v", errs.ErrStorage, err)
	}
	if !height.Valid {
		return nil, nil
	}
	h := uint32(height.Int64)
	return &h, nil
}

// LastProcessedHeight returns the last height committed to the account
// DB, or -1 if none has been processed.
func (a *AccountDB) LastProcessedHeight() (int64, error) {
	var height int64
	err := a.db.QueryRow(`SELECT height FROM last_block ORDER BY height DESC LIMIT 1`).Scan(&height)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("%w: query last_block: %v", errs.ErrStorage, err)
	}
	return height, nil
}

// ProcessBlock applies block's full state delta in a single database
// transaction, per spec §4.4. It is idempotent for the genesis block.
func (a *AccountDB) ProcessBlock(block *Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, err := a.LastProcessedHeight()
	if err != nil {
		return err
	}
	if block.IsGenesis() && last >= 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin account tx: %v", errs.ErrStorage, err)
	}
	defer tx.Rollback()

	for i := range block.Transactions {
		t := &block.Transactions[i]
		if t.IsCoinbase() {
			for _, out := range t.Outputs {
				if err := creditAccount(tx, out.Address, out.Amount); err != nil {
					return err
				}
				if err := recordTxBlock(tx, out.Address, block.Height); err != nil {
					return err
				}
			}
			continue
		}

		for _, in := range t.Inputs {
			balance, err := queryBalanceTx(tx, in.Address)
			if err != nil {
				return err
			}
			if balance == nil {
				return fmt.Errorf("%w: unknown sender account %s", errs.ErrInsufficientBalance, in.Address)
			}
			if *balance < in.Amount {
				return fmt.Errorf("%w: %s balance %.8f < spend %.8f", errs.ErrInsufficientBalance, in.Address, *balance, in.Amount)
			}
			if err := debitAccount(tx, in.Address, in.Amount); err != nil {
				return err
			}
			if len(t.PublicKey) > 0 {
				pk, err := queryPubkeyBlockTx(tx, in.Address)
				if err != nil {
					return err
				}
				if pk == nil {
					if err := setPubkeyBlock(tx, in.Address, block.Height); err != nil {
						return err
					}
				}
			}
			if err := recordTxBlock(tx, in.Address, block.Height); err != nil {
				return err
			}
		}

		for _, out := range t.Outputs {
			if err := creditAccount(tx, out.Address, out.Amount); err != nil {
				return err
			}
			if err := recordTxBlock(tx, out.Address, block.Height); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`INSERT INTO last_block(height) VALUES (?)`, block.Height); err != nil {
		return fmt.Errorf("%w: write last_block: %v", errs.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit account tx: %v", errs.ErrStorage, err)
	}
	return nil
}

func queryBalanceTx(tx *sql.Tx, address string) (*float64, error) {
	var balance float64
	err := tx.QueryRow(`SELECT balance FROM accounts WHERE address = ?`, address).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query balance: %v", errs.ErrStorage, err)
	}
	return &balance, nil
}

func queryPubkeyBlockTx(tx *sql.Tx, address string) (*uint32, error) {
	var height sql.NullInt64
	err := tx.QueryRow(`SELECT pubkey_block FROM accounts WHERE address = ?`, address).Scan(&height)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query pubkey_block: %v", errs.ErrStorage, err)
	}
	if !height.Valid {
		return nil, nil
	}
	h := uint32(height.Int64)
	return &h, nil
}

func creditAccount(tx *sql.Tx, address string, amount float64) error {
	_, err := tx.Exec(`
		INSERT INTO accounts(address, balance, tx_count) VALUES (?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			balance = balance + excluded.balance,
			tx_count = tx_count + 1
	`, address, amount)
	if err != nil {
		return fmt.Errorf("%w: credit %s: %v", errs.ErrStorage, address, err)
	}
	return nil
}

func debitAccount(tx *sql.Tx, address string, amount float64) error {
	_, err := tx.Exec(`
		UPDATE accounts SET balance = balance - ?, tx_count = tx_count + 1
		WHERE address = ?
	`, amount, address)
	if err != nil {
		return fmt.Errorf("%w: debit %s: %v", errs.ErrStorage, address, err)
	}
	return nil
}

func setPubkeyBlock(tx *sql.Tx, address string, height uint32) error {
	_, err := tx.Exec(`UPDATE accounts SET pubkey_block = ? WHERE address = ?`, height, address)
	if err != nil {
		return fmt.Errorf("%w: set pubkey_block for %s: %v", errs.ErrStorage, address, err)
	}
	return nil
}

func recordTxBlock(tx *sql.Tx, address string, height uint32) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO tx_blocks(address, block_num) VALUES (?, ?)`, address, height)
	if err != nil {
		return fmt.Errorf("%w: record tx_blocks for %s: %v", errs.ErrStorage, address, err)
	}
	return nil
}

// RebuildFromBlocks replays every block from genesis through the chain
// tip against a freshly truncated account DB.
func (a *AccountDB) RebuildFromBlocks(store *BlockStore, tipHeight uint32) error {
	a.mu.Lock()
	for _, stmt := range []string{
		`DELETE FROM accounts`,
		`DELETE FROM tx_blocks`,
		`DELETE FROM last_block`,
	} {
		if _, err := a.db.Exec(stmt); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: truncate account db: %v", errs.ErrStorage, err)
		}
	}
	a.mu.Unlock()

	for h := uint32(0); h <= tipHeight; h++ {
		blk, err := store.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("%w: replay height %d: %v", errs.ErrStorage, h, err)
		}
		if err := a.ProcessBlock(blk); err != nil {
			return fmt.Errorf("%w: replay height %d: %v", errs.ErrStorage, h, err)
		}
	}
	return nil
}
