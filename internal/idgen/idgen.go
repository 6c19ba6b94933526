// Package idgen produces message keys. Every kind yields a string that is
// unique across relay instances; ulid and ksuid also sort by creation time.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// Supported key kinds.
const (
	KindULID      = "ulid"
	KindKSUID     = "ksuid"
	KindUUID      = "uuid"
	KindNanoID    = "nanoid"
	KindCUID2     = "cuid2"
	KindSnowflake = "snowflake"
)

const (
	DefaultNanoIDSize     = 21
	DefaultNanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultCUID2Length    = 24
	DefaultSnowflakeEpoch = 1704067200000
)

// Generator creates message keys.
type Generator interface {
	NewKey() (string, error)
	Valid(key string) bool
}

// Config selects and tunes a generator.
type Config struct {
	Kind           string `mapstructure:"kind"`
	MachineID      int64  `mapstructure:"machine_id"`
	Epoch          int64  `mapstructure:"epoch"`
	NanoIDSize     int    `mapstructure:"nanoid_size"`
	NanoIDAlphabet string `mapstructure:"nanoid_alphabet"`
	CUID2Length    int    `mapstructure:"cuid2_length"`
}

// New returns the generator named by cfg.Kind. An empty kind means ulid.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindULID:
		return NewULID(), nil
	case KindKSUID:
		return ksuidGen{}, nil
	case KindUUID:
		return uuidGen{}, nil
	case KindNanoID:
		size, alphabet := cfg.NanoIDSize, cfg.NanoIDAlphabet
		if size == 0 {
			size = DefaultNanoIDSize
		}
		if alphabet == "" {
			alphabet = DefaultNanoIDAlphabet
		}
		return newNanoID(size, alphabet)
	case KindCUID2:
		length := cfg.CUID2Length
		if length == 0 {
			length = DefaultCUID2Length
		}
		return newCUID2(length)
	case KindSnowflake:
		epoch := cfg.Epoch
		if epoch == 0 {
			epoch = DefaultSnowflakeEpoch
		}
		return NewSnowflake(cfg.MachineID, epoch)
	default:
		return nil, fmt.Errorf("unknown id kind %q", cfg.Kind)
	}
}

// ULID keys are monotonic within one process, so keys created in the same
// millisecond still sort in creation order.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewULID() *ULID {
	return &ULID{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ULID) NewKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate ULID: %w", err)
	}
	return id.String(), nil
}

func (g *ULID) Valid(key string) bool {
	_, err := ulid.ParseStrict(key)
	return err == nil
}

type ksuidGen struct{}

func (ksuidGen) NewKey() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate KSUID: %w", err)
	}
	return id.String(), nil
}

func (ksuidGen) Valid(key string) bool {
	_, err := ksuid.Parse(key)
	return err == nil
}

type uuidGen struct{}

func (uuidGen) NewKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

func (uuidGen) Valid(key string) bool {
	id, err := uuid.Parse(key)
	return err == nil && id.Version() == 4
}

type nanoIDGen struct {
	size     int
	alphabet string
}

func newNanoID(size int, alphabet string) (*nanoIDGen, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	return &nanoIDGen{size: size, alphabet: alphabet}, nil
}

func (g *nanoIDGen) NewKey() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", fmt.Errorf("failed to generate NanoID: %w", err)
	}
	return id, nil
}

func (g *nanoIDGen) Valid(key string) bool {
	if len(key) != g.size {
		return false
	}
	for _, c := range key {
		if !strings.ContainsRune(g.alphabet, c) {
			return false
		}
	}
	return true
}

type cuid2Gen struct {
	length   int
	generate func() string
}

func newCUID2(length int) (*cuid2Gen, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("failed to init CUID2 generator: %w", err)
	}
	return &cuid2Gen{length: length, generate: gen}, nil
}

func (g *cuid2Gen) NewKey() (string, error) {
	return g.generate(), nil
}

func (g *cuid2Gen) Valid(key string) bool {
	return len(key) == g.length && cuid2.IsCuid(key)
}

const (
	machineIDBits = 10
	sequenceBits  = 12

	maxMachineID = (1 << machineIDBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

// Snowflake packs milliseconds since epoch, a machine id and a sequence into
// a decimal int64. Each relay instance needs its own machine id.
type Snowflake struct {
	mu        sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTime  int64
}

func NewSnowflake(machineID, epoch int64) (*Snowflake, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine_id must be between 0 and %d, got %d", maxMachineID, machineID)
	}
	return &Snowflake{epoch: epoch, machineID: machineID}, nil
}

func (g *Snowflake) NewKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.epoch {
		return "", fmt.Errorf("current time is before custom epoch")
	}
	if now < g.lastTime {
		return "", fmt.Errorf("clock moved backwards: current=%d, last=%d", now, g.lastTime)
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := ((now - g.epoch) << timestampShift) | (g.machineID << machineIDShift) | g.sequence
	return strconv.FormatInt(id, 10), nil
}

func (g *Snowflake) Valid(key string) bool {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil || n < 0 {
		return false
	}
	return (n>>timestampShift)+g.epoch <= time.Now().UnixMilli()
}
