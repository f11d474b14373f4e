package pyth

import (
	"context"
	"errors"
	"testing"

	"github.com/rickgao/pyth-data/internal/solana"
)

// fakeRPC serves account images from a map, recording each call.
type fakeRPC struct {
	t        *testing.T
	accounts map[solana.PublicKey][]byte
	slot     uint64

	batchSizes   []int
	programScans int
}

func (f *fakeRPC) UpdateAccounts(ctx context.Context, accounts []solana.Account) error {
	f.batchSizes = append(f.batchSizes, len(accounts))
	for _, a := range accounts {
		data, ok := f.accounts[a.Key()]
		if !ok {
			f.t.Errorf("fetch of unknown account %s", a.Key())
			continue
		}
		if err := a.UpdateWithRPCResponse(f.slot, accountValue(data)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRPC) GetProgramAccounts(ctx context.Context, program solana.PublicKey) (uint64, map[string]*solana.AccountValue, error) {
	f.programScans++
	scan := make(map[string]*solana.AccountValue, len(f.accounts))
	for key, data := range f.accounts {
		scan[key.String()] = accountValue(data)
	}
	return f.slot, scan, nil
}

// Key layout of the fixture oracle:
//
//	mapping m1 -> products p1, p2; next mapping m2
//	mapping m2 -> product p3
//	p1 price chain: a1 -> a2 -> a3
//	p2 price chain: b1
//	p3 price chain: c1 -> c2
var (
	keyM1 = testKey(0x01)
	keyM2 = testKey(0x02)
	keyP1 = testKey(0x11)
	keyP2 = testKey(0x12)
	keyP3 = testKey(0x13)
	keyA1 = testKey(0x21)
	keyA2 = testKey(0x22)
	keyA3 = testKey(0x23)
	keyB1 = testKey(0x31)
	keyC1 = testKey(0x41)
	keyC2 = testKey(0x42)
)

func pricePayload(priceType uint32, product, next solana.PublicKey) []byte {
	return buildPriceV2Payload(priceV2Params{
		priceType:  PriceType(priceType),
		exponent:   -4,
		productKey: product,
		nextKey:    next,
		aggregate:  priceInfoParams{price: 10000, status: PriceStatusTrading, pubSlot: 100},
	})
}

func fixtureOracle(t *testing.T) *fakeRPC {
	t.Helper()
	return &fakeRPC{
		t:    t,
		slot: 100,
		accounts: map[solana.PublicKey][]byte{
			keyM1: buildAccountData(AccountTypeMapping, 2,
				buildMappingPayload([]solana.PublicKey{keyP1, keyP2}, keyM2)),
			keyM2: buildAccountData(AccountTypeMapping, 2,
				buildMappingPayload([]solana.PublicKey{keyP3}, solana.NullKey)),
			keyP1: buildAccountData(AccountTypeProduct, 2,
				buildProductPayload(keyA1, [][2]string{{"symbol", "Crypto.BTC/USD"}})),
			keyP2: buildAccountData(AccountTypeProduct, 2,
				buildProductPayload(keyB1, [][2]string{{"symbol", "Crypto.ETH/USD"}})),
			keyP3: buildAccountData(AccountTypeProduct, 2,
				buildProductPayload(keyC1, [][2]string{{"symbol", "FX.EUR/USD"}})),
			keyA1: buildAccountData(AccountTypePrice, 2, pricePayload(1, keyP1, keyA2)),
			keyA2: buildAccountData(AccountTypePrice, 2, pricePayload(2, keyP1, keyA3)),
			keyA3: buildAccountData(AccountTypePrice, 2, pricePayload(3, keyP1, solana.NullKey)),
			keyB1: buildAccountData(AccountTypePrice, 2, pricePayload(1, keyP2, solana.NullKey)),
			keyC1: buildAccountData(AccountTypePrice, 2, pricePayload(1, keyP3, keyC2)),
			keyC2: buildAccountData(AccountTypePrice, 2, pricePayload(2, keyP3, solana.NullKey)),
		},
	}
}

func TestProductsNotLoaded(t *testing.T) {
	c := NewClient(fixtureOracle(t), keyM1)
	if _, err := c.Products(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Products() err = %v, want ErrNotLoaded", err)
	}
	if _, err := c.MappingAccounts(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("MappingAccounts() err = %v, want ErrNotLoaded", err)
	}
}

func TestGetProductsWalksMappingChain(t *testing.T) {
	rpc := fixtureOracle(t)
	c := NewClient(rpc, keyM1)

	products, err := c.GetProducts(context.Background())
	if err != nil {
		t.Fatalf("GetProducts failed: %v", err)
	}

	want := []solana.PublicKey{keyP1, keyP2, keyP3}
	if len(products) != len(want) {
		t.Fatalf("len(products) = %d, want %d", len(products), len(want))
	}
	for i, key := range want {
		if products[i].Key() != key {
			t.Errorf("products[%d].Key() = %v, want %v", i, products[i].Key(), key)
		}
	}

	mappings, err := c.MappingAccounts()
	if err != nil {
		t.Fatalf("MappingAccounts failed: %v", err)
	}
	if len(mappings) != 2 {
		t.Errorf("len(mappings) = %d, want 2", len(mappings))
	}

	// Two single-account mapping fetches, then one product batch.
	wantBatches := []int{1, 1, 3}
	if len(rpc.batchSizes) != len(wantBatches) {
		t.Fatalf("batch sizes = %v, want %v", rpc.batchSizes, wantBatches)
	}
	for i, n := range wantBatches {
		if rpc.batchSizes[i] != n {
			t.Errorf("batch %d size = %d, want %d", i, rpc.batchSizes[i], n)
		}
	}
}

func TestRefreshAllPricesWalksChainsBreadthFirst(t *testing.T) {
	rpc := fixtureOracle(t)
	c := NewClient(rpc, keyM1)

	if err := c.RefreshAllPrices(context.Background()); err != nil {
		t.Fatalf("RefreshAllPrices failed: %v", err)
	}

	// Mapping walk (1, 1), product batch (3), then one batch per chain
	// depth: all three heads, two second links, one third link.
	wantBatches := []int{1, 1, 3, 3, 2, 1}
	if len(rpc.batchSizes) != len(wantBatches) {
		t.Fatalf("batch sizes = %v, want %v", rpc.batchSizes, wantBatches)
	}
	for i, n := range wantBatches {
		if rpc.batchSizes[i] != n {
			t.Errorf("batch %d size = %d, want %d", i, rpc.batchSizes[i], n)
		}
	}

	products, _ := c.Products()
	wantChains := map[solana.PublicKey]int{keyP1: 3, keyP2: 1, keyP3: 2}
	for _, product := range products {
		prices, err := product.Prices()
		if err != nil {
			t.Fatalf("Prices() for %s failed: %v", product.Key(), err)
		}
		if len(prices) != wantChains[product.Key()] {
			t.Errorf("product %s has %d prices, want %d", product.Key(), len(prices), wantChains[product.Key()])
		}
		for _, price := range prices {
			if price.Slot != 100 {
				t.Errorf("price %s slot = %d, want 100", price.Key(), price.Slot)
			}
			if price.Product != product {
				t.Errorf("price %s not linked to its product", price.Key())
			}
		}
	}
}

func TestRefreshAllPricesUsesProgramScan(t *testing.T) {
	rpc := fixtureOracle(t)
	programKey := testKey(0xee)
	c := NewClient(rpc, keyM1, WithProgramKey(programKey))

	if err := c.RefreshAllPrices(context.Background()); err != nil {
		t.Fatalf("RefreshAllPrices failed: %v", err)
	}
	if rpc.programScans != 1 {
		t.Errorf("program scans = %d, want 1", rpc.programScans)
	}
	if len(rpc.batchSizes) != 0 {
		t.Errorf("per-account batches = %v, want none", rpc.batchSizes)
	}

	products, err := c.Products()
	if err != nil {
		t.Fatalf("Products failed: %v", err)
	}
	if len(products) != 3 {
		t.Errorf("len(products) = %d, want 3", len(products))
	}
	prices, err := products[0].Prices()
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if len(prices) != 3 {
		t.Errorf("len(prices) = %d, want 3", len(prices))
	}
}

func TestRefreshAllPricesReportsMissingScanAccount(t *testing.T) {
	rpc := fixtureOracle(t)
	delete(rpc.accounts, keyA2)
	c := NewClient(rpc, keyM1,
		WithProgramKey(testKey(0xee)),
		WithBackoff(solana.BackoffConfig{MaxTries: 1}))

	err := c.RefreshAllPrices(context.Background())
	if !errors.Is(err, ErrMissingAccount) {
		t.Errorf("err = %v, want ErrMissingAccount", err)
	}
}

func TestCheckMappingChanges(t *testing.T) {
	rpc := fixtureOracle(t)
	c := NewClient(rpc, keyM1)
	ctx := context.Background()

	if _, err := c.GetProducts(ctx); err != nil {
		t.Fatalf("GetProducts failed: %v", err)
	}
	before, _ := c.Products()
	keptProduct := before[0]

	// p3 disappears from the second mapping, p4 appears.
	keyP4 := testKey(0x14)
	rpc.accounts[keyM2] = buildAccountData(AccountTypeMapping, 2,
		buildMappingPayload([]solana.PublicKey{keyP4}, solana.NullKey))
	rpc.accounts[keyP4] = buildAccountData(AccountTypeProduct, 2,
		buildProductPayload(solana.NullKey, [][2]string{{"symbol", "FX.GBP/USD"}}))

	added, removed, err := c.CheckMappingChanges(ctx)
	if err != nil {
		t.Fatalf("CheckMappingChanges failed: %v", err)
	}
	if len(added) != 1 || added[0].Key() != keyP4 {
		t.Errorf("added = %v, want [%v]", added, keyP4)
	}
	if len(removed) != 1 || removed[0].Key() != keyP3 {
		t.Errorf("removed = %v, want [%v]", removed, keyP3)
	}

	// Added accounts come back fetched.
	if product, ok := added[0].(*ProductAccount); !ok || product.Symbol() != "FX.GBP/USD" {
		t.Errorf("added product not fetched: %v", added[0])
	}

	// Surviving accounts keep their identity across the refresh.
	after, _ := c.Products()
	if after[0] != keptProduct {
		t.Error("surviving product was rebuilt instead of reused")
	}
}

func TestCheckMappingChangesRequiresLoad(t *testing.T) {
	c := NewClient(fixtureOracle(t), keyM1)
	if _, _, err := c.CheckMappingChanges(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}
}

func TestCheckPriceChanges(t *testing.T) {
	rpc := fixtureOracle(t)
	c := NewClient(rpc, keyM1)
	ctx := context.Background()

	products, err := c.GetProducts(ctx)
	if err != nil {
		t.Fatalf("GetProducts failed: %v", err)
	}
	var p3 *ProductAccount
	for _, product := range products {
		if product.Key() == keyP3 {
			p3 = product
		}
	}

	// First call: nothing loaded yet, everything is new.
	added, removed, err := c.CheckPriceChanges(ctx, p3, false)
	if err != nil {
		t.Fatalf("CheckPriceChanges failed: %v", err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Errorf("initial added, removed = %d, %d, want 2, 0", len(added), len(removed))
	}

	// c1 now links to c3 and c2 is gone.
	keyC3 := testKey(0x43)
	rpc.accounts[keyC1] = buildAccountData(AccountTypePrice, 2, pricePayload(1, keyP3, keyC3))
	rpc.accounts[keyC3] = buildAccountData(AccountTypePrice, 2, pricePayload(3, keyP3, solana.NullKey))

	added, removed, err = c.CheckPriceChanges(ctx, p3, true)
	if err != nil {
		t.Fatalf("CheckPriceChanges failed: %v", err)
	}
	if len(added) != 1 || added[0].Key() != keyC3 {
		t.Errorf("added = %v, want [%v]", added, keyC3)
	}
	if len(removed) != 1 || removed[0].Key() != keyC2 {
		t.Errorf("removed = %v, want [%v]", removed, keyC2)
	}
}

func TestGetAllAccounts(t *testing.T) {
	c := NewClient(fixtureOracle(t), keyM1)
	accounts, err := c.GetAllAccounts(context.Background())
	if err != nil {
		t.Fatalf("GetAllAccounts failed: %v", err)
	}
	// 2 mappings + 3 products + 6 prices.
	if len(accounts) != 11 {
		t.Errorf("len(accounts) = %d, want 11", len(accounts))
	}
}
