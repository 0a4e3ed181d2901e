// Package store is the gorm-backed persistence layer for positions,
// pools, tokens, the price cache and the derived PnL/curve caches.
// It follows the teacher's
// internal/db.MySQLRecorder shape closely: big.Int/uint256.Int values
// are stored as decimal strings in varchar columns (the teacher's
// bigIntToString pattern for AssetSnapshotRecord), construction goes
// through NewStore(dsn)/NewStoreWithDB(db), and AutoMigrate runs at
// construction time rather than via separate migration files.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/model"
)

// PositionRecord is the gorm row for a Position.
type PositionRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	UserID        string    `gorm:"size:128;not null;uniqueIndex:idx_position_identity"`
	Chain         string    `gorm:"size:64;not null;uniqueIndex:idx_position_identity"`
	Protocol      string    `gorm:"size:64;not null;uniqueIndex:idx_position_identity"`
	NFTID         string    `gorm:"size:78;not null;uniqueIndex:idx_position_identity"`
	TickLower     int32     `gorm:"not null"`
	TickUpper     int32     `gorm:"not null"`
	Liquidity     string    `gorm:"type:varchar(39);not null;comment:uint256 as string"`
	Token0IsQuote bool      `gorm:"not null"`
	Owner         string    `gorm:"size:64;not null"`
	ImportType    string    `gorm:"size:16;not null"`
	Status        string    `gorm:"size:16;not null"`
	PoolChain     string    `gorm:"size:64;not null"`
	PoolAddress   string    `gorm:"size:64;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (PositionRecord) TableName() string { return "position" }

// PositionEventRecord is one ledger row.
type PositionEventRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	PositionID     string    `gorm:"size:160;not null;uniqueIndex:idx_event_hash;uniqueIndex:idx_event_order"`
	Block          uint64    `gorm:"not null;uniqueIndex:idx_event_order"`
	TransactionIdx int32     `gorm:"not null;uniqueIndex:idx_event_order"`
	LogIdx         int32     `gorm:"not null;uniqueIndex:idx_event_order"`
	Source         string    `gorm:"size:16;not null"`
	LedgerIgnore   bool      `gorm:"not null"`
	EventType      string    `gorm:"size:32;not null"`
	BlockTimestamp time.Time `gorm:"not null"`

	TransactionHash string `gorm:"size:80"`

	DeltaL           string `gorm:"type:varchar(40);not null;comment:signed int128 as string"`
	Token0Amount     string `gorm:"type:varchar(78);not null"`
	Token1Amount     string `gorm:"type:varchar(78);not null"`
	PoolSqrtPriceX96 string `gorm:"type:varchar(78);not null"`

	LiquidityAfter        string `gorm:"type:varchar(39);not null"`
	CostBasisAfter        string `gorm:"type:varchar(78);not null"`
	RealizedPnLAfter      string `gorm:"type:varchar(78);not null"`
	UncollectedPrincipal0 string `gorm:"type:varchar(78);not null"`
	UncollectedPrincipal1 string `gorm:"type:varchar(78);not null"`

	DeltaCostBasis    string `gorm:"type:varchar(78);not null"`
	DeltaPnL          string `gorm:"type:varchar(78);not null"`
	FeeValueInQuote   string `gorm:"type:varchar(78);not null"`
	TokenValueInQuote string `gorm:"type:varchar(78);not null"`

	InputHash   string `gorm:"size:32;not null;uniqueIndex:idx_event_hash"`
	CalcVersion int    `gorm:"not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (PositionEventRecord) TableName() string { return "position_event" }

// PoolRecord is the shared, content-addressed Pool row.
type PoolRecord struct {
	Chain            string `gorm:"primaryKey;size:64"`
	Address          string `gorm:"primaryKey;size:64"`
	Protocol         string `gorm:"size:64;not null"`
	Fee              uint32 `gorm:"not null"`
	TickSpacing      int32  `gorm:"not null"`
	Token0           string `gorm:"size:64;not null"`
	Token1           string `gorm:"size:64;not null"`
	CurrentTick      int32  `gorm:"not null"`
	CurrentSqrtPrice string `gorm:"type:varchar(78);not null"`
	FeeGrowthGlobal0 string `gorm:"type:varchar(78);not null"`
	FeeGrowthGlobal1 string `gorm:"type:varchar(78);not null"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (PoolRecord) TableName() string { return "pool" }

// TokenRecord is the shared, content-addressed Token row.
type TokenRecord struct {
	Chain    string `gorm:"primaryKey;size:64"`
	Address  string `gorm:"primaryKey;size:64"`
	Symbol   string `gorm:"size:32;not null"`
	Name     string `gorm:"size:128"`
	Decimals uint8  `gorm:"not null"`
	Verified bool   `gorm:"not null"`
}

func (TokenRecord) TableName() string { return "token" }

// PriceCacheRecord is an immutable (chain,pool,block) -> slot0 entry.
type PriceCacheRecord struct {
	Chain           string    `gorm:"primaryKey;size:64"`
	PoolAddress     string    `gorm:"primaryKey;size:64"`
	BlockNumber     uint64    `gorm:"primaryKey"`
	SqrtPriceX96    string    `gorm:"type:varchar(78);not null"`
	Tick            int32     `gorm:"not null"`
	BlockTimestamp  time.Time `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (PriceCacheRecord) TableName() string { return "pool_price_cache" }

// PnLRecord is the PnL Aggregator's persisted summary per position.
type PnLRecord struct {
	PositionID       string    `gorm:"primaryKey;size:160"`
	CurrentValue     string    `gorm:"type:varchar(78);not null"`
	CurrentCostBasis string    `gorm:"type:varchar(78);not null"`
	RealizedPnL      string    `gorm:"type:varchar(78);not null"`
	CollectedFees    string    `gorm:"type:varchar(78);not null"`
	UnclaimedFees    string    `gorm:"type:varchar(78);not null"`
	UnrealizedPnL    string    `gorm:"type:varchar(78);not null"`
	TotalPnL         string    `gorm:"type:varchar(78);not null"`
	CalcVersion      int       `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (PnLRecord) TableName() string { return "position_pnl" }

// CurveRecord stores the curve cache as an opaque JSON blob keyed by
// position, per the design note "database cache of JSON blobs (curve
// cache); keep as opaque bytes keyed by position, version with
// calc_version to force re-generation across code changes."
type CurveRecord struct {
	PositionID       string    `gorm:"primaryKey;size:160"`
	PointsJSON       []byte    `gorm:"type:mediumblob"`
	PoolTick         int32     `gorm:"not null"`
	PoolSqrtPriceX96 string    `gorm:"type:varchar(78);not null"`
	PnLCacheVersion  int       `gorm:"not null"`
	IsValid          bool      `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (CurveRecord) TableName() string { return "position_curve" }

// Store wraps a *gorm.DB with the repository operations the engine,
// PnL aggregator, curve cache and importer need.
type Store struct {
	db *gorm.DB
}

var allModels = []interface{}{
	&PositionRecord{}, &PositionEventRecord{}, &PoolRecord{},
	&TokenRecord{}, &PriceCacheRecord{}, &PnLRecord{}, &CurveRecord{},
}

// NewStore opens a MySQL connection and migrates the schema, following
// the teacher's NewMySQLRecorder(dsn) constructor.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to MySQL: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing *gorm.DB (used by tests with
// go-sqlmock, following NewMySQLRecorderWithDB).
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("store: failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetDB returns the underlying *gorm.DB for advanced queries.
func (s *Store) GetDB() *gorm.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a single database transaction, giving it a
// *Store scoped to that transaction — the Ledger Engine's "one sync,
// one transaction" boundary the Ledger Engine relies on.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- conversions ---

func bigToStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func strToBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func u256ToStr(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func strToU256(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.NewInt(0)
	}
	return v
}

// --- Position ---

func positionKey(userID, chain, protocol, nftID string) string {
	return userID + "|" + chain + "|" + protocol + "|" + nftID
}

func toPositionRecord(p *model.Position) PositionRecord {
	return PositionRecord{
		UserID:        p.UserID,
		Chain:         p.Chain,
		Protocol:      p.Protocol,
		NFTID:         p.NFTID,
		TickLower:     p.TickLower,
		TickUpper:     p.TickUpper,
		Liquidity:     u256ToStr(p.Liquidity),
		Token0IsQuote: p.Token0IsQuote,
		Owner:         p.Owner,
		ImportType:    string(p.ImportType),
		Status:        string(p.Status),
		PoolChain:     p.Pool.Chain,
		PoolAddress:   p.Pool.Address,
	}
}

func fromPositionRecord(r PositionRecord) *model.Position {
	return &model.Position{
		UserID:        r.UserID,
		Chain:         r.Chain,
		Protocol:      r.Protocol,
		NFTID:         r.NFTID,
		TickLower:     r.TickLower,
		TickUpper:     r.TickUpper,
		Liquidity:     strToU256(r.Liquidity),
		Token0IsQuote: r.Token0IsQuote,
		Owner:         r.Owner,
		ImportType:    model.ImportType(r.ImportType),
		Status:        model.PositionStatus(r.Status),
		Pool:          model.PoolRef{Chain: r.PoolChain, Address: r.PoolAddress},
	}
}

// UpsertPosition creates or updates a position's identity row.
func (s *Store) UpsertPosition(ctx context.Context, p *model.Position) error {
	rec := toPositionRecord(p)
	return s.db.WithContext(ctx).
		Where("chain = ? AND protocol = ? AND nft_id = ? AND user_id = ?", p.Chain, p.Protocol, p.NFTID, p.UserID).
		Assign(rec).
		FirstOrCreate(&rec).Error
}

// GetPosition loads a position by its composite identity.
func (s *Store) GetPosition(ctx context.Context, userID, chainName, protocol, nftID string) (*model.Position, error) {
	var rec PositionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND chain = ? AND protocol = ? AND nft_id = ?", userID, chainName, protocol, nftID).
		First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("store: GetPosition: %w", err)
	}
	return fromPositionRecord(rec), nil
}

// ExistingNFTIDs returns the subset of candidateNFTIDs a user has
// already imported for a chain/protocol, so Discover-by-owner can skip
// re-offering them as new candidates.
func (s *Store) ExistingNFTIDs(ctx context.Context, userID, chainName, protocol string, candidateNFTIDs []string) (map[string]struct{}, error) {
	if len(candidateNFTIDs) == 0 {
		return map[string]struct{}{}, nil
	}
	var nftIDs []string
	err := s.db.WithContext(ctx).
		Model(&PositionRecord{}).
		Where("user_id = ? AND chain = ? AND protocol = ? AND nft_id IN ?", userID, chainName, protocol, candidateNFTIDs).
		Pluck("nft_id", &nftIDs).Error
	if err != nil {
		return nil, fmt.Errorf("store: ExistingNFTIDs: %w", err)
	}
	out := make(map[string]struct{}, len(nftIDs))
	for _, id := range nftIDs {
		out[id] = struct{}{}
	}
	return out, nil
}

// --- PositionEvent ---

func toEventRecord(positionID string, e model.PositionEvent) PositionEventRecord {
	return PositionEventRecord{
		PositionID:            positionID,
		Block:                 e.OrderKey.Block,
		TransactionIdx:        e.OrderKey.TransactionIdx,
		LogIdx:                e.OrderKey.LogIdx,
		Source:                string(e.Source),
		LedgerIgnore:          e.LedgerIgnore,
		EventType:             string(e.EventType),
		BlockTimestamp:        e.BlockTimestamp,
		TransactionHash:       e.TransactionHash,
		DeltaL:                bigToStr(e.DeltaL),
		Token0Amount:          u256ToStr(e.Token0Amount),
		Token1Amount:          u256ToStr(e.Token1Amount),
		PoolSqrtPriceX96:      u256ToStr(e.PoolSqrtPriceX96),
		LiquidityAfter:        u256ToStr(e.LiquidityAfter),
		CostBasisAfter:        bigToStr(e.CostBasisAfter),
		RealizedPnLAfter:      bigToStr(e.RealizedPnLAfter),
		UncollectedPrincipal0: u256ToStr(e.UncollectedPrincipal0),
		UncollectedPrincipal1: u256ToStr(e.UncollectedPrincipal1),
		DeltaCostBasis:        bigToStr(e.DeltaCostBasis),
		DeltaPnL:              bigToStr(e.DeltaPnL),
		FeeValueInQuote:       bigToStr(e.FeeValueInQuote),
		TokenValueInQuote:     bigToStr(e.TokenValueInQuote),
		InputHash:             e.InputHash,
		CalcVersion:           e.CalcVersion,
	}
}

func fromEventRecord(r PositionEventRecord) model.PositionEvent {
	return model.PositionEvent{
		PositionID: r.PositionID,
		OrderKey: model.OrderKey{
			Block:          r.Block,
			TransactionIdx: r.TransactionIdx,
			LogIdx:         r.LogIdx,
		},
		Source:                model.EventSource(r.Source),
		LedgerIgnore:          r.LedgerIgnore,
		EventType:             model.EventType(r.EventType),
		BlockTimestamp:        r.BlockTimestamp,
		TransactionHash:       r.TransactionHash,
		DeltaL:                strToBig(r.DeltaL),
		Token0Amount:          strToU256(r.Token0Amount),
		Token1Amount:          strToU256(r.Token1Amount),
		PoolSqrtPriceX96:      strToU256(r.PoolSqrtPriceX96),
		LiquidityAfter:        strToU256(r.LiquidityAfter),
		CostBasisAfter:        strToBig(r.CostBasisAfter),
		RealizedPnLAfter:      strToBig(r.RealizedPnLAfter),
		UncollectedPrincipal0: strToU256(r.UncollectedPrincipal0),
		UncollectedPrincipal1: strToU256(r.UncollectedPrincipal1),
		DeltaCostBasis:        strToBig(r.DeltaCostBasis),
		DeltaPnL:              strToBig(r.DeltaPnL),
		FeeValueInQuote:       strToBig(r.FeeValueInQuote),
		TokenValueInQuote:     strToBig(r.TokenValueInQuote),
		InputHash:             r.InputHash,
		CalcVersion:           r.CalcVersion,
	}
}

// GetLedger returns every event row for a position, ordered by the
// (block, tx_index, log_index) ledger order.
func (s *Store) GetLedger(ctx context.Context, positionID string) ([]model.PositionEvent, error) {
	var recs []PositionEventRecord
	err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("block ASC, transaction_idx ASC, log_idx ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: GetLedger: %w", err)
	}
	out := make([]model.PositionEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromEventRecord(r))
	}
	return out, nil
}

// DeleteNonFinalOnchain deletes only non-final on-chain, non-ignored
// rows, leaving final rows and any manual/ignored rows untouched.
func (s *Store) DeleteNonFinalOnchain(ctx context.Context, positionID string, finalityBoundary *uint64) error {
	q := s.db.WithContext(ctx).
		Where("position_id = ? AND source = ? AND ledger_ignore = ?", positionID, model.SourceOnchain, false)
	if finalityBoundary != nil {
		q = q.Where("block > ?", *finalityBoundary)
	}
	return q.Delete(&PositionEventRecord{}).Error
}

// HardReset deletes every ledger row for a position (the admin-only
// operation).
func (s *Store) HardReset(ctx context.Context, positionID string) error {
	return s.db.WithContext(ctx).Where("position_id = ?", positionID).Delete(&PositionEventRecord{}).Error
}

// UpsertEvents persists a batch of freshly computed ledger rows,
// upserting on the (position_id, input_hash) idempotency key so a
// reorg that replays the same (block, tx_index, log_index) slot with
// new content overwrites the old row in place.
func (s *Store) UpsertEvents(ctx context.Context, positionID string, events []model.PositionEvent) error {
	if len(events) == 0 {
		return nil
	}
	recs := make([]PositionEventRecord, 0, len(events))
	for _, e := range events {
		recs = append(recs, toEventRecord(positionID, e))
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}, {Name: "input_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"block", "transaction_idx", "log_idx", "event_type", "block_timestamp", "transaction_hash", "delta_l", "token0_amount", "token1_amount", "pool_sqrt_price_x96", "liquidity_after", "cost_basis_after", "realized_pn_l_after", "uncollected_principal0", "uncollected_principal1", "delta_cost_basis", "delta_pn_l", "fee_value_in_quote", "token_value_in_quote", "calc_version"}),
		}).
		Create(&recs).Error
}

// ExistingTransactionHashes returns the set of tx hashes of the
// position's on-chain rows above afterBlock.
func (s *Store) ExistingTransactionHashes(ctx context.Context, positionID string, afterBlock uint64) (map[string]struct{}, error) {
	var hashes []string
	err := s.db.WithContext(ctx).Model(&PositionEventRecord{}).
		Where("position_id = ? AND block > ? AND source = ?", positionID, afterBlock, model.SourceOnchain).
		Pluck("transaction_hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("store: ExistingTransactionHashes: %w", err)
	}
	out := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		out[h] = struct{}{}
	}
	return out, nil
}

// --- Pool / Token ---

// UpsertPool writes a pool's content-addressed record.
func (s *Store) UpsertPool(ctx context.Context, p model.Pool) error {
	rec := PoolRecord{
		Chain: p.Chain, Address: p.Address, Protocol: p.Protocol,
		Fee: p.Fee, TickSpacing: p.TickSpacing,
		Token0: p.Token0, Token1: p.Token1,
		CurrentTick:      p.CurrentTick,
		CurrentSqrtPrice: u256ToStr(p.CurrentSqrtPrice),
		FeeGrowthGlobal0: u256ToStr(p.FeeGrowthGlobal0),
		FeeGrowthGlobal1: u256ToStr(p.FeeGrowthGlobal1),
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetPool loads a pool record.
func (s *Store) GetPool(ctx context.Context, chainName, address string) (model.Pool, error) {
	var rec PoolRecord
	if err := s.db.WithContext(ctx).Where("chain = ? AND address = ?", chainName, address).First(&rec).Error; err != nil {
		return model.Pool{}, fmt.Errorf("store: GetPool: %w", err)
	}
	return model.Pool{
		Chain: rec.Chain, Address: rec.Address, Protocol: rec.Protocol,
		Fee: rec.Fee, TickSpacing: rec.TickSpacing,
		Token0: rec.Token0, Token1: rec.Token1,
		CurrentTick:      rec.CurrentTick,
		CurrentSqrtPrice: strToU256(rec.CurrentSqrtPrice),
		FeeGrowthGlobal0: strToU256(rec.FeeGrowthGlobal0),
		FeeGrowthGlobal1: strToU256(rec.FeeGrowthGlobal1),
	}, nil
}

// UpsertToken writes a token's content-addressed metadata record.
func (s *Store) UpsertToken(ctx context.Context, t model.Token) error {
	rec := TokenRecord{
		Chain: t.Chain, Address: t.Address, Symbol: t.Symbol,
		Name: t.Name, Decimals: t.Decimals, Verified: t.Verified,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// --- Pool Price Cache ---

// GetPrice reads the immutable (chain, pool, block) -> slot0 entry, if present.
func (s *Store) GetPrice(ctx context.Context, chainName, pool string, block uint64) (sqrtPriceX96 *uint256.Int, tick int32, blockTimestamp time.Time, ok bool, err error) {
	var rec PriceCacheRecord
	res := s.db.WithContext(ctx).
		Where("chain = ? AND pool_address = ? AND block_number = ?", chainName, pool, block).
		First(&rec)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, 0, time.Time{}, false, nil
		}
		return nil, 0, time.Time{}, false, fmt.Errorf("store: GetPrice: %w", res.Error)
	}
	return strToU256(rec.SqrtPriceX96), rec.Tick, rec.BlockTimestamp, true, nil
}

// UpsertPrice writes a (chain, pool, block) -> slot0 entry. Safe to
// call repeatedly: entries at final blocks never change value.
func (s *Store) UpsertPrice(ctx context.Context, chainName, pool string, block uint64, sqrtPriceX96 *uint256.Int, tick int32, ts time.Time) error {
	rec := PriceCacheRecord{
		Chain: chainName, PoolAddress: pool, BlockNumber: block,
		SqrtPriceX96: u256ToStr(sqrtPriceX96), Tick: tick, BlockTimestamp: ts,
	}
	return s.db.WithContext(ctx).
		Where("chain = ? AND pool_address = ? AND block_number = ?", chainName, pool, block).
		Assign(rec).
		FirstOrCreate(&rec).Error
}

// --- PnL / Curve caches ---

// UpsertPnL writes the PnL Aggregator's summary for a position.
func (s *Store) UpsertPnL(ctx context.Context, positionID string, p model.PnLSummary, calcVersion int) error {
	rec := PnLRecord{
		PositionID:       positionID,
		CurrentValue:     bigToStr(p.CurrentValue),
		CurrentCostBasis: bigToStr(p.CurrentCostBasis),
		RealizedPnL:      bigToStr(p.RealizedPnL),
		CollectedFees:    bigToStr(p.CollectedFees),
		UnclaimedFees:    bigToStr(p.UnclaimedFees),
		UnrealizedPnL:    bigToStr(p.UnrealizedPnL),
		TotalPnL:         bigToStr(p.TotalPnL),
		CalcVersion:      calcVersion,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetPnL reads the cached PnL summary, and the calc_version it was
// computed under, for invalidation checks.
func (s *Store) GetPnL(ctx context.Context, positionID string) (model.PnLSummary, int, bool, error) {
	var rec PnLRecord
	res := s.db.WithContext(ctx).Where("position_id = ?", positionID).First(&rec)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return model.PnLSummary{}, 0, false, nil
		}
		return model.PnLSummary{}, 0, false, fmt.Errorf("store: GetPnL: %w", res.Error)
	}
	return model.PnLSummary{
		PositionID:       rec.PositionID,
		CurrentValue:     strToBig(rec.CurrentValue),
		CurrentCostBasis: strToBig(rec.CurrentCostBasis),
		RealizedPnL:      strToBig(rec.RealizedPnL),
		CollectedFees:    strToBig(rec.CollectedFees),
		UnclaimedFees:    strToBig(rec.UnclaimedFees),
		UnrealizedPnL:    strToBig(rec.UnrealizedPnL),
		TotalPnL:         strToBig(rec.TotalPnL),
	}, rec.CalcVersion, true, nil
}

// curvePointJSON is the wire shape stored in CurveRecord.PointsJSON;
// big.Float has no stable JSON encoding so price/pnl travel as decimal
// strings.
type curvePointJSON struct {
	Price string `json:"price"`
	Tick  int32  `json:"tick"`
	PnL   string `json:"pnl"`
}

// UpsertCurve writes the Curve Cache's opaque JSON blob for a position.
func (s *Store) UpsertCurve(ctx context.Context, c model.Curve) error {
	points := make([]curvePointJSON, 0, len(c.Points))
	for _, p := range c.Points {
		points = append(points, curvePointJSON{Price: p.Price.Text('f', 18), Tick: p.Tick, PnL: bigToStr(p.PnL)})
	}
	blob, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("store: UpsertCurve: marshal points: %w", err)
	}
	rec := CurveRecord{
		PositionID:       c.PositionID,
		PointsJSON:       blob,
		PoolTick:         c.PoolTick,
		PoolSqrtPriceX96: u256ToStr(c.PoolSqrtPriceX96),
		PnLCacheVersion:  c.PnLCacheVersion,
		IsValid:          c.IsValid,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetCurve reads the cached curve, if any.
func (s *Store) GetCurve(ctx context.Context, positionID string) (model.Curve, bool, error) {
	var rec CurveRecord
	res := s.db.WithContext(ctx).Where("position_id = ?", positionID).First(&rec)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return model.Curve{}, false, nil
		}
		return model.Curve{}, false, fmt.Errorf("store: GetCurve: %w", res.Error)
	}
	var raw []curvePointJSON
	if err := json.Unmarshal(rec.PointsJSON, &raw); err != nil {
		return model.Curve{}, false, fmt.Errorf("store: GetCurve: unmarshal points: %w", err)
	}
	points := make([]model.CurvePoint, 0, len(raw))
	for _, p := range raw {
		price, _, _ := big.ParseFloat(p.Price, 10, 80, big.ToNearestEven)
		points = append(points, model.CurvePoint{Price: price, Tick: p.Tick, PnL: strToBig(p.PnL)})
	}
	return model.Curve{
		PositionID:       rec.PositionID,
		Points:           points,
		PoolTick:         rec.PoolTick,
		PoolSqrtPriceX96: strToU256(rec.PoolSqrtPriceX96),
		PnLCacheVersion:  rec.PnLCacheVersion,
		IsValid:          rec.IsValid,
	}, true, nil
}

// PositionID computes the store's canonical position identifier for a
// composite key, matching model.Position.ID but usable before a
// *model.Position is constructed (e.g. from path parameters).
func PositionID(userID, chainName, protocol, nftID string) string {
	return positionKey(userID, chainName, protocol, nftID)
}
