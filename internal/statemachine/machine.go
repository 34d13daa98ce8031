// Package statemachine applies committed Raft entries to a cluster's
// account balance and its prepare/commit logs, and persists them in the
// exact file shapes spec.md §6 mandates. It is grounded on
// original_source/node_2pc.py's load/save helpers (_load_or_initialize_json,
// save_account_balance) translated into Go's os/encoding-json idiom, with
// the in-memory index supplied by ledger.go.
package statemachine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/raft"
)

// AccountA and AccountB are the transaction-map keys used throughout the
// wire protocol and the persisted logs (spec.md §3/§6).
const (
	AccountA = "AccountA"
	AccountB = "AccountB"
)

// Machine is one cluster node's state machine: the current Balance plus the
// prepare-log and commit-log, and the committed-transaction ledger index.
// It implements raft.Applier.
type Machine struct {
	mu sync.Mutex

	nodeID     string
	accountKey string
	dataDir    string
	log        zerolog.Logger

	balance    int64
	prepareLog []TransactionRecord
	commitLog  []TransactionRecord
	ledger     *ledger
	lastValue  string
}

// New constructs a Machine, loading any persisted state for nodeID from
// dataDir. accountKey must be AccountA or AccountB and identifies which
// half of every transaction map this cluster owns.
func New(dataDir, nodeID, accountKey string, log zerolog.Logger) (*Machine, error) {
	m := &Machine{
		nodeID:     nodeID,
		accountKey: accountKey,
		dataDir:    dataDir,
		log:        log,
		ledger:     newLedger(),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}

	balance, err := loadAccountBalance(m.accountPath())
	if err != nil {
		return nil, err
	}
	m.balance = balance

	prepareLog, err := loadRecords(m.prepareLogPath())
	if err != nil {
		return nil, err
	}
	m.prepareLog = prepareLog
	for _, r := range prepareLog {
		m.ledger.recordPrepare(r)
	}

	commitLog, err := loadRecords(m.commitLogPath())
	if err != nil {
		return nil, err
	}
	m.commitLog = commitLog
	for _, r := range commitLog {
		m.ledger.recordCommit(r)
	}

	return m, nil
}

func (m *Machine) accountPath() string {
	return filepath.Join(m.dataDir, m.nodeID+"_account.txt")
}

func (m *Machine) prepareLogPath() string {
	return filepath.Join(m.dataDir, m.nodeID+"_prepare_log.json")
}

func (m *Machine) commitLogPath() string {
	return filepath.Join(m.dataDir, m.nodeID+"_commit_log.json")
}

func loadAccountBalance(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, nil
	}
	balance, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing balance in %s: %w", path, err)
	}
	return balance, nil
}

func loadRecords(path string) ([]TransactionRecord, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var records []TransactionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return records, nil
}

// writeFileFsync writes data to path atomically via a temp-file rename,
// fsyncing before the rename so a crash never leaves a half-written log
// (spec.md §5's "fsync before any externally visible prepared/committed
// reply").
func writeFileFsync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (m *Machine) persistBalance() error {
	return writeFileFsync(m.accountPath(), []byte(strconv.FormatInt(m.balance, 10)))
}

func (m *Machine) persistPrepareLog() error {
	data, err := json.Marshal(m.prepareLog)
	if err != nil {
		return err
	}
	return writeFileFsync(m.prepareLogPath(), data)
}

func (m *Machine) persistCommitLog() error {
	data, err := json.Marshal(m.commitLog)
	if err != nil {
		return err
	}
	return writeFileFsync(m.commitLogPath(), data)
}

// Apply implements raft.Applier. It is always called with the entry's
// (Index, Term) strictly increasing and in commit order.
func (m *Machine) Apply(entry raft.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch entry.Command.Kind {
	case raft.CmdSetBalance:
		var args struct {
			Balance int64 `json:"balance"`
		}
		if err := json.Unmarshal(entry.Command.Payload, &args); err != nil {
			m.log.Error().Err(err).Msg("malformed SET_BALANCE command, skipping apply")
			return
		}
		m.balance = args.Balance
		if err := m.persistBalance(); err != nil {
			m.log.Error().Err(err).Msg("failed to persist balance after SET_BALANCE")
		}

	case raft.CmdAppendPrepare:
		var rec TransactionRecord
		if err := json.Unmarshal(entry.Command.Payload, &rec); err != nil {
			m.log.Error().Err(err).Msg("malformed APPEND_PREPARE command, skipping apply")
			return
		}
		m.prepareLog = append(m.prepareLog, rec)
		m.ledger.recordPrepare(rec)
		if err := m.persistPrepareLog(); err != nil {
			m.log.Error().Err(err).Msg("failed to persist prepare log")
		}

	case raft.CmdAppendCommit:
		var rec TransactionRecord
		if err := json.Unmarshal(entry.Command.Payload, &rec); err != nil {
			m.log.Error().Err(err).Msg("malformed APPEND_COMMIT command, skipping apply")
			return
		}
		m.commitLog = append(m.commitLog, rec)
		m.ledger.recordCommit(rec)
		m.balance += rec.Delta(m.accountKey)
		if err := m.persistCommitLog(); err != nil {
			m.log.Error().Err(err).Msg("failed to persist commit log")
		}
		if err := m.persistBalance(); err != nil {
			m.log.Error().Err(err).Msg("failed to persist balance after APPEND_COMMIT")
		}

	case raft.CmdSubmitValue:
		var args struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(entry.Command.Payload, &args); err != nil {
			m.log.Error().Err(err).Msg("malformed SUBMIT_VALUE command, skipping apply")
			return
		}
		m.lastValue = args.Value

	default:
		m.log.Warn().Str("kind", string(entry.Command.Kind)).Msg("unknown command kind, ignoring")
	}
}

// LastSubmittedValue returns the most recently applied SubmitValue payload,
// the generic single-value complement to the bank-account commands (spec.md
// §6 SubmitValue RPC).
func (m *Machine) LastSubmittedValue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastValue
}

// GetBalance returns the current balance (spec.md §6 GetBalance RPC).
func (m *Machine) GetBalance() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// GetLogs returns copies of the prepare and commit logs (spec.md §6
// GetLogs RPC).
func (m *Machine) GetLogs() (prepare, commit []TransactionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransactionRecord{}, m.prepareLog...), append([]TransactionRecord{}, m.commitLog...)
}

// LastPrepare returns the most recently appended PrepareRecord, used by
// 2pc_commit to pick the transactionId it commits and by 2pc_log_prepare.
func (m *Machine) LastPrepare() (TransactionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prepareLog) == 0 {
		return TransactionRecord{}, false
	}
	return m.prepareLog[len(m.prepareLog)-1], true
}

// LastCommit returns the most recently appended CommitRecord.
func (m *Machine) LastCommit() (TransactionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commitLog) == 0 {
		return TransactionRecord{}, false
	}
	return m.commitLog[len(m.commitLog)-1], true
}

// NextTransactionID returns (last prepare id) + 1, per spec.md §3's
// TransactionId lifecycle.
func (m *Machine) NextTransactionID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prepareLog) == 0 {
		return 1
	}
	return m.prepareLog[len(m.prepareLog)-1].TransactionID + 1
}

// InDoubt reports whether transactionId has a prepare but no matching
// commit yet.
func (m *Machine) InDoubt(transactionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.inDoubt(transactionID)
}

// AlreadyCommitted reports whether transactionId already has a matching
// CommitRecord, for 2pc_commit's idempotence guarantee (spec.md §4.3).
func (m *Machine) AlreadyCommitted(transactionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ledger.lookup(transactionID)
	return ok && st.Committed
}

// AccountKey returns which half of a transaction map this cluster owns.
func (m *Machine) AccountKey() string {
	return m.accountKey
}
