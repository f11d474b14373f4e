package pyth

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/pyth-data/internal/calendar"
	"github.com/rickgao/pyth-data/internal/schedule"
	"github.com/rickgao/pyth-data/internal/solana"
)

const (
	accountMagic = 0xa1b2c3d4

	// accountHeaderBytes is magic + version + type + size, four u32s.
	accountHeaderBytes = 16

	// DefaultMaxLatency is the staleness bound, in slots, for feeds whose
	// account encodes a max latency of zero.
	DefaultMaxLatency = 25

	priceInfoBytes      = 32
	priceComponentBytes = solana.PublicKeyLength + 2*priceInfoBytes
)

// AccountType identifies the kind of Pyth account a buffer holds.
type AccountType uint32

const (
	AccountTypeUnknown AccountType = iota
	AccountTypeMapping
	AccountTypeProduct
	AccountTypePrice
)

func (t AccountType) String() string {
	switch t {
	case AccountTypeMapping:
		return "mapping"
	case AccountTypeProduct:
		return "product"
	case AccountTypePrice:
		return "price"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// PriceStatus is the availability state of an aggregate or component price.
type PriceStatus uint32

const (
	PriceStatusUnknown PriceStatus = iota
	PriceStatusTrading
	PriceStatusHalted
	PriceStatusAuction
	PriceStatusIgnored
)

func (s PriceStatus) String() string {
	switch s {
	case PriceStatusUnknown:
		return "unknown"
	case PriceStatusTrading:
		return "trading"
	case PriceStatusHalted:
		return "halted"
	case PriceStatusAuction:
		return "auction"
	case PriceStatusIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// PriceType is the kind of value a price account carries.
type PriceType uint32

const (
	PriceTypeUnknown PriceType = iota
	PriceTypePrice
)

func (t PriceType) String() string {
	switch t {
	case PriceTypePrice:
		return "price"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// EmaType names the exponentially-weighted derivation slots of a v2 price
// account. Only the EMA price and EMA confidence values are surfaced.
type EmaType uint32

const (
	EmaUnknown EmaType = iota
	EmaPriceValue
	EmaPriceNumerator
	EmaPriceDenominator
	EmaConfidenceValue
	EmaConfidenceNumerator
	EmaConfidenceDenominator
)

// Account is a Pyth account: a Solana account with a known Pyth type.
type Account interface {
	solana.Account
	Type() AccountType
}

// parseAccountHeader validates the 16-byte Pyth header and returns the
// account type, the declared payload size and the wire version.
func parseAccountHeader(key solana.PublicKey, buf []byte) (AccountType, uint32, uint32, error) {
	if len(buf) < accountHeaderBytes {
		return 0, 0, 0, fmt.Errorf("%s: account data too short: %d bytes", key, len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	version := binary.LittleEndian.Uint32(buf[4:])
	typ := binary.LittleEndian.Uint32(buf[8:])
	size := binary.LittleEndian.Uint32(buf[12:])

	if int(size) > len(buf) {
		return 0, 0, 0, fmt.Errorf("%s: header says data is %d bytes, but buffer only has %d bytes", key, size, len(buf))
	}
	if magic != accountMagic {
		return 0, 0, 0, fmt.Errorf("%s: wrong magic: expected %08x, got %08x", key, uint32(accountMagic), magic)
	}
	if version != 1 && version != 2 {
		return 0, 0, 0, fmt.Errorf("%s: unsupported account version %d", key, version)
	}
	return AccountType(typ), size, version, nil
}

// wireAccount is implemented by each concrete account type so updateAccount
// can drive the shared header handling.
type wireAccount interface {
	Account
	base() *solana.BaseAccount
	updateFrom(buf []byte, version uint32) error
}

// updateAccount absorbs one RPC account response: records the observation
// metadata, validates the Pyth header and hands the payload to the concrete
// type's decoder. Decode faults propagate to the caller.
func updateAccount(a wireAccount, slot uint64, value *solana.AccountValue) error {
	if value == nil {
		return fmt.Errorf("%s: account update without a value", a.Key())
	}
	a.base().UpdateMeta(slot, value)
	data, err := value.DecodeData()
	if err != nil {
		return fmt.Errorf("%s: %w", a.Key(), err)
	}
	typ, size, version, err := parseAccountHeader(a.Key(), data)
	if err != nil {
		return err
	}
	if typ != a.Type() {
		return fmt.Errorf("%s: wrong account type %s, want %s", a.Key(), typ, a.Type())
	}
	return a.updateFrom(data[accountHeaderBytes:size], version)
}

func readKey(buf []byte) solana.PublicKey {
	var k solana.PublicKey
	copy(k[:], buf[:solana.PublicKeyLength])
	return k
}

// MappingAccount lists product account keys and links to the next mapping
// account in the chain, if any.
type MappingAccount struct {
	solana.BaseAccount
	Entries        []solana.PublicKey
	NextAccountKey solana.PublicKey

	logger *slog.Logger
}

// NewMappingAccount builds an empty mapping account for the given key.
func NewMappingAccount(key solana.PublicKey, logger *slog.Logger) *MappingAccount {
	return &MappingAccount{
		BaseAccount: solana.BaseAccount{AccountKey: key},
		logger:      logger,
	}
}

func (a *MappingAccount) Type() AccountType {
	return AccountTypeMapping
}

func (a *MappingAccount) base() *solana.BaseAccount {
	return &a.BaseAccount
}

func (a *MappingAccount) UpdateWithRPCResponse(slot uint64, value *solana.AccountValue) error {
	return updateAccount(a, slot, value)
}

// updateFrom decodes the mapping payload: entry count (u32), unused (u32),
// next mapping key (32 bytes), then the product keys. Null product keys are
// dropped with a warning.
func (a *MappingAccount) updateFrom(buf []byte, version uint32) error {
	const fixed = 8 + solana.PublicKeyLength
	if len(buf) < fixed {
		return fmt.Errorf("%s: mapping data too short: %d bytes", a.Key(), len(buf))
	}
	numEntries := binary.LittleEndian.Uint32(buf[0:])
	next := readKey(buf[8:])

	offset := fixed
	if len(buf)-offset < int(numEntries)*solana.PublicKeyLength {
		return fmt.Errorf("%s: mapping data truncated: %d entries declared", a.Key(), numEntries)
	}
	entries := make([]solana.PublicKey, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		key := readKey(buf[offset:])
		if key.IsZero() {
			a.logger.Warn("null key seen in mapping account", "mapping", a.Key())
		} else {
			entries = append(entries, key)
		}
		offset += solana.PublicKeyLength
	}

	a.Entries = entries
	a.NextAccountKey = next
	return nil
}

func (a *MappingAccount) String() string {
	return fmt.Sprintf("MappingAccount (%s)", a.Key())
}

// AttrMap holds a product's metadata attributes in wire order.
type AttrMap struct {
	keys   []string
	values map[string]string
}

// Get looks up an attribute by key.
func (m *AttrMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the attribute keys in the order they appear on the wire.
func (m *AttrMap) Keys() []string {
	return m.keys
}

func (m *AttrMap) Len() int {
	return len(m.keys)
}

func (m *AttrMap) set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// readAttributeString reads a u8-length-prefixed string, returning the
// string and the offset past it. A zero length yields ok=false; an offset
// at or past the end of the buffer is a decode error.
func readAttributeString(buf []byte, offset int) (string, int, bool, error) {
	if offset >= len(buf) {
		return "", offset, false, fmt.Errorf("attribute data too short: no length byte at offset %d", offset)
	}
	length := int(buf[offset])
	if length == 0 {
		return "", offset, false, nil
	}
	end := offset + 1 + length
	if end > len(buf) {
		end = len(buf)
	}
	return string(buf[offset+1 : end]), end, true, nil
}

// scheduleCache avoids reparsing identical market schedule strings; most
// products on a network share a handful of them.
var scheduleCache, _ = lru.New[string, *schedule.Schedule](256)

// defaultSchedule is an always-open market in New York time.
const defaultSchedule = "America/New_York;O,O,O,O,O,O,O;"

// ProductAccount carries a product's metadata attributes and points at the
// head of its price account chain.
type ProductAccount struct {
	solana.BaseAccount
	Attrs                AttrMap
	FirstPriceAccountKey solana.PublicKey

	prices       map[PriceType]*PriceAccount
	pricesLoaded bool
}

// NewProductAccount builds an empty product account for the given key.
func NewProductAccount(key solana.PublicKey) *ProductAccount {
	return &ProductAccount{
		BaseAccount: solana.BaseAccount{AccountKey: key},
	}
}

func (a *ProductAccount) Type() AccountType {
	return AccountTypeProduct
}

func (a *ProductAccount) base() *solana.BaseAccount {
	return &a.BaseAccount
}

func (a *ProductAccount) UpdateWithRPCResponse(slot uint64, value *solana.AccountValue) error {
	return updateAccount(a, slot, value)
}

// updateFrom decodes the product payload: the first price account key, then
// length-prefixed attribute key/value pairs until the end of the data or an
// empty key. A null first price key means the product has no prices at all.
func (a *ProductAccount) updateFrom(buf []byte, version uint32) error {
	if len(buf) < solana.PublicKeyLength {
		return fmt.Errorf("%s: product data too short: %d bytes", a.Key(), len(buf))
	}
	first := readKey(buf)

	var attrs AttrMap
	offset := solana.PublicKeyLength
	for offset < len(buf) {
		key, next, ok, err := readAttributeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Key(), err)
		}
		if !ok {
			break
		}
		value, next, _, err := readAttributeString(buf, next)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Key(), err)
		}
		attrs.set(key, value)
		offset = next
	}

	a.FirstPriceAccountKey = first
	if first.IsZero() {
		a.prices = map[PriceType]*PriceAccount{}
		a.pricesLoaded = true
	}
	a.Attrs = attrs
	return nil
}

// Symbol returns the product's symbol attribute, or "Unknown".
func (a *ProductAccount) Symbol() string {
	if s, ok := a.Attrs.Get("symbol"); ok {
		return s
	}
	return "Unknown"
}

// Schedule returns the product's market schedule, or an always-open schedule
// when the attribute is absent or malformed.
func (a *ProductAccount) Schedule() *schedule.Schedule {
	raw, ok := a.Attrs.Get("schedule")
	if !ok {
		raw = defaultSchedule
	}
	if cached, ok := scheduleCache.Get(raw); ok {
		return cached
	}
	s, err := schedule.Parse(raw)
	if err != nil {
		s, _ = schedule.Parse(defaultSchedule)
	}
	scheduleCache.Add(raw, s)
	return s
}

// MarketOpen reports whether the product's market trades at the given
// instant. Products without a schedule attribute fall back to the
// asset-class trading calendar.
func (a *ProductAccount) MarketOpen(t time.Time) bool {
	if _, ok := a.Attrs.Get("schedule"); ok {
		return a.Schedule().IsOpen(t)
	}
	if class, ok := a.Attrs.Get("asset_type"); ok {
		return calendar.IsMarketOpen(class, t)
	}
	return true
}

// Prices returns the product's price accounts by type. It fails with
// ErrNotLoaded until the prices have been fetched or the product has been
// seen with no price chain.
func (a *ProductAccount) Prices() (map[PriceType]*PriceAccount, error) {
	if !a.pricesLoaded {
		return nil, fmt.Errorf("prices for product %s: %w", a.Key(), ErrNotLoaded)
	}
	return a.prices, nil
}

func (a *ProductAccount) setPrices(prices map[PriceType]*PriceAccount) {
	a.prices = prices
	a.pricesLoaded = true
}

// UsePriceAccounts installs a chain of already-fetched price accounts. The
// chain must start at the product's first price key and each account must
// link to the next; a dangling tail is an error.
func (a *ProductAccount) UsePriceAccounts(newPrices []*PriceAccount) error {
	prices := make(map[PriceType]*PriceAccount, len(newPrices))
	expected := a.FirstPriceAccountKey
	for _, price := range newPrices {
		if price.Key() != expected {
			return fmt.Errorf("product %s: expected price account %s, got %s", a.Key(), expected, price.Key())
		}
		prices[price.PriceType] = price
		expected = price.NextPriceAccountKey
	}
	if !expected.IsZero() {
		return fmt.Errorf("product %s: missing price account %s", a.Key(), expected)
	}
	a.setPrices(prices)
	return nil
}

func (a *ProductAccount) String() string {
	return fmt.Sprintf("ProductAccount %s (%s)", a.Symbol(), a.Key())
}

// PriceInfo is one observed price: the value a publisher or the aggregator
// reported, its confidence interval, status and publish slot.
type PriceInfo struct {
	RawPrice      int64
	RawConfidence uint64
	Status        PriceStatus
	PubSlot       uint64
	Exponent      int32

	// Price and Confidence are the raw values scaled by 10^Exponent.
	Price      float64
	Confidence float64
}

// NewPriceInfo scales the raw values by the power-of-ten exponent.
func NewPriceInfo(rawPrice int64, rawConfidence uint64, status PriceStatus, pubSlot uint64, exponent int32) PriceInfo {
	scale := math.Pow10(int(exponent))
	return PriceInfo{
		RawPrice:      rawPrice,
		RawConfidence: rawConfidence,
		Status:        status,
		PubSlot:       pubSlot,
		Exponent:      exponent,
		Price:         float64(rawPrice) * scale,
		Confidence:    float64(rawConfidence) * scale,
	}
}

// parsePriceInfo decodes 32 bytes: price (i64), confidence (u64), status
// (u32), corporate action (u32, unused), publish slot (u64).
func parsePriceInfo(buf []byte, exponent int32) PriceInfo {
	return NewPriceInfo(
		int64(binary.LittleEndian.Uint64(buf[0:])),
		binary.LittleEndian.Uint64(buf[8:]),
		PriceStatus(binary.LittleEndian.Uint32(buf[16:])),
		binary.LittleEndian.Uint64(buf[24:]),
		exponent,
	)
}

// PriceComponent is one publisher's contribution to a price account: the
// price used in the last aggregate and the publisher's latest price.
type PriceComponent struct {
	PublisherKey           solana.PublicKey
	LastAggregatePriceInfo PriceInfo
	LatestPriceInfo        PriceInfo
	Exponent               int32
}

// parsePriceComponent decodes one component, or returns false on the null
// publisher key that terminates the component list.
func parsePriceComponent(buf []byte, exponent int32) (PriceComponent, bool) {
	key := readKey(buf)
	if key.IsZero() {
		return PriceComponent{}, false
	}
	return PriceComponent{
		PublisherKey:           key,
		LastAggregatePriceInfo: parsePriceInfo(buf[solana.PublicKeyLength:], exponent),
		LatestPriceInfo:        parsePriceInfo(buf[solana.PublicKeyLength+priceInfoBytes:], exponent),
		Exponent:               exponent,
	}, true
}

// PriceAccount carries the aggregate price of one type for a product, along
// with each publisher's component prices. Price accounts form a linked list
// per product.
type PriceAccount struct {
	solana.BaseAccount
	PriceType           PriceType
	Exponent            int32
	NumComponents       uint32
	LastSlot            uint64
	ValidSlot           uint64
	ProductAccountKey   solana.PublicKey
	NextPriceAccountKey solana.PublicKey
	AggregatorKey       solana.PublicKey
	Aggregate           PriceInfo
	Components          []PriceComponent
	Derivations         map[EmaType]int64
	Timestamp           int64
	MinPublishers       uint8
	PrevSlot            uint64
	PrevPrice           float64
	PrevConf            float64
	PrevTimestamp       int64
	MaxLatency          uint8

	// Product is the owning product account, when known.
	Product *ProductAccount
}

// NewPriceAccount builds an empty price account for the given key.
func NewPriceAccount(key solana.PublicKey, product *ProductAccount) *PriceAccount {
	return &PriceAccount{
		BaseAccount: solana.BaseAccount{AccountKey: key},
		Product:     product,
	}
}

func (a *PriceAccount) Type() AccountType {
	return AccountTypePrice
}

func (a *PriceAccount) base() *solana.BaseAccount {
	return &a.BaseAccount
}

func (a *PriceAccount) UpdateWithRPCResponse(slot uint64, value *solana.AccountValue) error {
	return updateAccount(a, slot, value)
}

func (a *PriceAccount) updateFrom(buf []byte, version uint32) error {
	switch version {
	case 2:
		return a.updateFromV2(buf)
	case 1:
		return a.updateFromV1(buf)
	default:
		return fmt.Errorf("%s: unsupported price account version %d", a.Key(), version)
	}
}

// updateFromV2 decodes the current price account layout. Offsets are
// relative to the payload, i.e. past the 16-byte account header.
func (a *PriceAccount) updateFromV2(buf []byte) error {
	const fixed = 224
	if len(buf) < fixed {
		return fmt.Errorf("%s: price data too short: %d bytes", a.Key(), len(buf))
	}

	priceType := PriceType(binary.LittleEndian.Uint32(buf[0:]))
	exponent := int32(binary.LittleEndian.Uint32(buf[4:]))
	numComponents := binary.LittleEndian.Uint32(buf[8:])
	lastSlot := binary.LittleEndian.Uint64(buf[16:])
	validSlot := binary.LittleEndian.Uint64(buf[24:])

	derivations := map[EmaType]int64{
		EmaPriceValue:      int64(binary.LittleEndian.Uint64(buf[32:])),
		EmaConfidenceValue: int64(binary.LittleEndian.Uint64(buf[56:])),
	}

	timestamp := int64(binary.LittleEndian.Uint64(buf[80:]))
	minPublishers := buf[88]
	maxLatency := buf[90]

	productKey := readKey(buf[96:])
	nextKey := readKey(buf[128:])
	prevSlot := binary.LittleEndian.Uint64(buf[160:])
	prevPrice := int64(binary.LittleEndian.Uint64(buf[168:]))
	prevConf := binary.LittleEndian.Uint64(buf[176:])
	prevTimestamp := int64(binary.LittleEndian.Uint64(buf[184:]))

	a.PriceType = priceType
	a.Exponent = exponent
	a.NumComponents = numComponents
	a.LastSlot = lastSlot
	a.ValidSlot = validSlot
	a.Derivations = derivations
	a.Timestamp = timestamp
	a.MinPublishers = minPublishers
	a.ProductAccountKey = productKey
	a.NextPriceAccountKey = nextKey
	a.PrevSlot = prevSlot
	scale := math.Pow10(int(exponent))
	a.PrevPrice = float64(prevPrice) * scale
	a.PrevConf = float64(prevConf) * scale
	a.PrevTimestamp = prevTimestamp
	a.MaxLatency = maxLatency
	if a.MaxLatency == 0 {
		a.MaxLatency = DefaultMaxLatency
	}
	a.Aggregate = parsePriceInfo(buf[192:], exponent)
	a.Components = parseComponents(buf[fixed:], exponent)
	return nil
}

// updateFromV1 decodes the legacy layout, which lacks derivations and the
// previous-aggregate block but carries the aggregator's key.
func (a *PriceAccount) updateFromV1(buf []byte) error {
	const fixed = 128
	if len(buf) < fixed+priceInfoBytes {
		return fmt.Errorf("%s: price data too short: %d bytes", a.Key(), len(buf))
	}

	a.PriceType = PriceType(binary.LittleEndian.Uint32(buf[0:]))
	a.Exponent = int32(binary.LittleEndian.Uint32(buf[4:]))
	a.NumComponents = binary.LittleEndian.Uint32(buf[8:])
	a.LastSlot = binary.LittleEndian.Uint64(buf[16:])
	a.ValidSlot = binary.LittleEndian.Uint64(buf[24:])
	a.ProductAccountKey = readKey(buf[32:])
	a.NextPriceAccountKey = readKey(buf[64:])
	a.AggregatorKey = readKey(buf[96:])
	a.Derivations = map[EmaType]int64{}
	a.MaxLatency = DefaultMaxLatency
	a.Aggregate = parsePriceInfo(buf[fixed:], a.Exponent)
	a.Components = parseComponents(buf[fixed+priceInfoBytes:], a.Exponent)
	return nil
}

func parseComponents(buf []byte, exponent int32) []PriceComponent {
	var components []PriceComponent
	for offset := 0; offset+priceComponentBytes <= len(buf); offset += priceComponentBytes {
		component, ok := parsePriceComponent(buf[offset:], exponent)
		if !ok {
			break
		}
		components = append(components, component)
	}
	return components
}

// AggregatePriceStatus returns the account's raw aggregate status, with no
// staleness applied. Use AggregatePriceStatusAtSlot to account for feeds
// that have stopped publishing.
func (a *PriceAccount) AggregatePriceStatus() PriceStatus {
	return a.Aggregate.Status
}

// AggregatePriceStatusAtSlot degrades a trading status to unknown when the
// aggregate was published more than MaxLatency slots before slot.
func (a *PriceAccount) AggregatePriceStatusAtSlot(slot uint64) PriceStatus {
	if a.Aggregate.Status == PriceStatusTrading &&
		slot > a.Aggregate.PubSlot && slot-a.Aggregate.PubSlot > uint64(a.MaxLatency) {
		return PriceStatusUnknown
	}
	return a.Aggregate.Status
}

// AggregatePrice returns the aggregate price, or ok=false when the feed is
// not currently trading (as judged at the account's own observation slot).
func (a *PriceAccount) AggregatePrice() (float64, bool) {
	if a.AggregatePriceStatusAtSlot(a.Slot) != PriceStatusTrading {
		return 0, false
	}
	return a.Aggregate.Price, true
}

// AggregateConfidence returns the aggregate confidence interval, or
// ok=false when the feed is not currently trading.
func (a *PriceAccount) AggregateConfidence() (float64, bool) {
	if a.AggregatePriceStatusAtSlot(a.Slot) != PriceStatusTrading {
		return 0, false
	}
	return a.Aggregate.Confidence, true
}

func (a *PriceAccount) String() string {
	if a.Product != nil {
		return fmt.Sprintf("PriceAccount %s %s (%s)", a.Product.Symbol(), a.PriceType, a.Key())
	}
	return fmt.Sprintf("PriceAccount %s (%s)", a.PriceType, a.Key())
}
