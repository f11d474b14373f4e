package pyth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/pyth-data/internal/solana"
)

// RPC is the slice of the Solana client the mirror needs: bulk account
// refresh and whole-program scans.
type RPC interface {
	UpdateAccounts(ctx context.Context, accounts []solana.Account) error
	GetProgramAccounts(ctx context.Context, program solana.PublicKey) (uint64, map[string]*solana.AccountValue, error)
}

// Client mirrors the Pyth oracle's on-chain state: the mapping account
// chain, the product accounts they list, and each product's price account
// chain. It is not safe for concurrent use.
type Client struct {
	rpc     RPC
	logger  *slog.Logger
	backoff solana.BackoffConfig

	firstMappingKey solana.PublicKey
	programKey      solana.PublicKey

	mappings       []*MappingAccount
	mappingsLoaded bool
	products       []*ProductAccount
	productsLoaded bool
}

// Option configures a Client.
type Option func(*Client)

// WithProgramKey enables whole-program scans via getProgramAccounts, which
// replace per-account fetches during bulk refreshes.
func WithProgramKey(key solana.PublicKey) Option {
	return func(c *Client) {
		c.programKey = key
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBackoff overrides the retry policy for transient node failures.
func WithBackoff(cfg solana.BackoffConfig) Option {
	return func(c *Client) {
		c.backoff = cfg
	}
}

// NewClient builds a mirror rooted at the given first mapping account.
func NewClient(rpc RPC, firstMappingKey solana.PublicKey, opts ...Option) *Client {
	c := &Client{
		rpc:             rpc,
		logger:          slog.Default(),
		backoff:         solana.DefaultBackoff,
		firstMappingKey: firstMappingKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	return solana.WithRetry(ctx, c.backoff, c.logger, fn)
}

// MappingAccounts returns the mirrored mapping chain, or ErrNotLoaded.
func (c *Client) MappingAccounts() ([]*MappingAccount, error) {
	if !c.mappingsLoaded {
		return nil, ErrNotLoaded
	}
	return c.mappings, nil
}

// GetMappingAccounts returns the mapping chain, fetching it on first use.
func (c *Client) GetMappingAccounts(ctx context.Context) ([]*MappingAccount, error) {
	if c.mappingsLoaded {
		return c.mappings, nil
	}
	if err := c.withRetry(ctx, func() error {
		return c.refreshMappings(ctx, nil, 0)
	}); err != nil {
		return nil, err
	}
	return c.mappings, nil
}

// refreshMappings walks the mapping chain from the first mapping key,
// reusing mirrored accounts where the keys still match. With a program scan
// in hand it decodes from the scan; otherwise each mapping is fetched in
// turn, since the next key is unknown until the previous one decodes.
func (c *Client) refreshMappings(ctx context.Context, scan map[string]*solana.AccountValue, slot uint64) error {
	existing := make(map[solana.PublicKey]*MappingAccount, len(c.mappings))
	for _, m := range c.mappings {
		existing[m.Key()] = m
	}

	var mappings []*MappingAccount
	for key := c.firstMappingKey; !key.IsZero(); {
		m := existing[key]
		if m == nil {
			m = NewMappingAccount(key, c.logger)
		}
		if scan != nil {
			value := scan[key.String()]
			if value == nil {
				return fmt.Errorf("mapping account %s: %w", key, ErrMissingAccount)
			}
			if err := m.UpdateWithRPCResponse(slot, value); err != nil {
				return err
			}
		} else {
			if err := c.rpc.UpdateAccounts(ctx, []solana.Account{m}); err != nil {
				return err
			}
		}
		mappings = append(mappings, m)
		key = m.NextAccountKey
	}
	c.mappings = mappings
	c.mappingsLoaded = true
	return nil
}

// Products returns the mirrored product accounts, or ErrNotLoaded.
func (c *Client) Products() ([]*ProductAccount, error) {
	if !c.productsLoaded {
		return nil, ErrNotLoaded
	}
	return c.products, nil
}

// GetProducts returns the product accounts, fetching them on first use.
func (c *Client) GetProducts(ctx context.Context) ([]*ProductAccount, error) {
	if c.productsLoaded {
		return c.products, nil
	}
	return c.RefreshProducts(ctx)
}

// RefreshProducts re-walks the mapping chain and refreshes every product
// account it lists.
func (c *Client) RefreshProducts(ctx context.Context) ([]*ProductAccount, error) {
	if err := c.withRetry(ctx, func() error {
		return c.refreshProducts(ctx, true, nil, 0)
	}); err != nil {
		return nil, err
	}
	return c.products, nil
}

func (c *Client) refreshProducts(ctx context.Context, updateAccounts bool, scan map[string]*solana.AccountValue, slot uint64) error {
	if updateAccounts || !c.mappingsLoaded {
		if err := c.refreshMappings(ctx, scan, slot); err != nil {
			return err
		}
	}

	var productKeys []solana.PublicKey
	for _, m := range c.mappings {
		productKeys = append(productKeys, m.Entries...)
	}

	existing := make(map[solana.PublicKey]*ProductAccount, len(c.products))
	for _, p := range c.products {
		existing[p.Key()] = p
	}

	products := make([]*ProductAccount, 0, len(productKeys))
	for _, key := range productKeys {
		product := existing[key]
		if product == nil {
			product = NewProductAccount(key)
		}
		if scan != nil {
			value := scan[key.String()]
			if value == nil {
				return fmt.Errorf("product account %s: %w", key, ErrMissingAccount)
			}
			if err := product.UpdateWithRPCResponse(slot, value); err != nil {
				return err
			}
		}
		products = append(products, product)
	}
	if scan == nil && updateAccounts {
		accounts := make([]solana.Account, len(products))
		for i, p := range products {
			accounts[i] = p
		}
		if err := c.rpc.UpdateAccounts(ctx, accounts); err != nil {
			return err
		}
	}
	c.products = products
	c.productsLoaded = true
	return nil
}

// priceCursor tracks one product's walk down its price account chain during
// a bulk refresh.
type priceCursor struct {
	product *ProductAccount
	prices  []*PriceAccount
	next    *PriceAccount
}

// RefreshAllPrices refreshes the price chains of every product. The chains
// are walked breadth-first so each round covers every product's next link in
// a handful of batched calls; with a program key configured a single
// whole-program scan resolves everything instead.
func (c *Client) RefreshAllPrices(ctx context.Context) error {
	return c.withRetry(ctx, func() error {
		return c.refreshAllPrices(ctx)
	})
}

func (c *Client) refreshAllPrices(ctx context.Context) error {
	var (
		scan map[string]*solana.AccountValue
		slot uint64
	)
	if !c.programKey.IsZero() {
		var err error
		slot, scan, err = c.refreshUsingProgram(ctx)
		if err != nil {
			return err
		}
	}

	products, err := c.GetProducts(ctx)
	if err != nil {
		return err
	}

	var cursors []*priceCursor
	for _, product := range products {
		if product.FirstPriceAccountKey.IsZero() {
			continue
		}
		cursors = append(cursors, &priceCursor{
			product: product,
			next:    NewPriceAccount(product.FirstPriceAccountKey, product),
		})
	}

	for len(cursors) > 0 {
		if scan != nil {
			for _, cur := range cursors {
				value := scan[cur.next.Key().String()]
				if value == nil {
					return fmt.Errorf("price account %s: %w", cur.next.Key(), ErrMissingAccount)
				}
				if err := cur.next.UpdateWithRPCResponse(slot, value); err != nil {
					return err
				}
			}
		} else {
			accounts := make([]solana.Account, len(cursors))
			for i, cur := range cursors {
				accounts[i] = cur.next
			}
			if err := c.rpc.UpdateAccounts(ctx, accounts); err != nil {
				return err
			}
		}

		var remaining []*priceCursor
		for _, cur := range cursors {
			cur.prices = append(cur.prices, cur.next)
			if !cur.next.NextPriceAccountKey.IsZero() {
				remaining = append(remaining, &priceCursor{
					product: cur.product,
					prices:  cur.prices,
					next:    NewPriceAccount(cur.next.NextPriceAccountKey, cur.product),
				})
			} else {
				if err := cur.product.UsePriceAccounts(cur.prices); err != nil {
					return err
				}
			}
		}
		cursors = remaining
	}
	return nil
}

// refreshUsingProgram scans every account the oracle program owns and seeds
// the mapping and product mirrors from the scan if they are not yet loaded.
func (c *Client) refreshUsingProgram(ctx context.Context) (uint64, map[string]*solana.AccountValue, error) {
	slot, scan, err := c.rpc.GetProgramAccounts(ctx, c.programKey)
	if err != nil {
		return 0, nil, err
	}
	if !c.mappingsLoaded {
		if err := c.refreshMappings(ctx, scan, slot); err != nil {
			return 0, nil, err
		}
	}
	if !c.productsLoaded {
		if err := c.refreshProducts(ctx, false, scan, slot); err != nil {
			return 0, nil, err
		}
	}
	return slot, scan, nil
}

// RefreshPrices refreshes one product's price chain, one account at a time.
func (c *Client) RefreshPrices(ctx context.Context, product *ProductAccount) (map[PriceType]*PriceAccount, error) {
	prices := make(map[PriceType]*PriceAccount)
	for key := product.FirstPriceAccountKey; !key.IsZero(); {
		price := NewPriceAccount(key, product)
		if err := c.rpc.UpdateAccounts(ctx, []solana.Account{price}); err != nil {
			return nil, err
		}
		prices[price.PriceType] = price
		key = price.NextPriceAccountKey
	}
	product.setPrices(prices)
	return prices, nil
}

// GetPrices returns a product's price accounts, fetching them on first use.
func (c *Client) GetPrices(ctx context.Context, product *ProductAccount) (map[PriceType]*PriceAccount, error) {
	if prices, err := product.Prices(); err == nil {
		return prices, nil
	}
	return c.RefreshPrices(ctx, product)
}

// CheckPriceChanges re-walks one product's price chain and reports which
// price accounts were added and removed since the last refresh. With
// updateAccounts set, the product and its known prices are refreshed first.
func (c *Client) CheckPriceChanges(ctx context.Context, product *ProductAccount, updateAccounts bool) (added, removed []*PriceAccount, err error) {
	old, err := product.Prices()
	if err != nil {
		prices, err := c.RefreshPrices(ctx, product)
		if err != nil {
			return nil, nil, err
		}
		for _, price := range prices {
			added = append(added, price)
		}
		return added, nil, nil
	}

	oldByKey := make(map[solana.PublicKey]*PriceAccount, len(old))
	for _, price := range old {
		oldByKey[price.Key()] = price
	}

	if updateAccounts {
		accounts := []solana.Account{product}
		for _, price := range oldByKey {
			accounts = append(accounts, price)
		}
		if err := c.rpc.UpdateAccounts(ctx, accounts); err != nil {
			return nil, nil, err
		}
	}

	newPrices := make(map[PriceType]*PriceAccount)
	for key := product.FirstPriceAccountKey; !key.IsZero(); {
		price, ok := oldByKey[key]
		if ok {
			delete(oldByKey, key)
		} else {
			price = NewPriceAccount(key, product)
			if err := c.rpc.UpdateAccounts(ctx, []solana.Account{price}); err != nil {
				return nil, nil, err
			}
			added = append(added, price)
		}
		newPrices[price.PriceType] = price
		key = price.NextPriceAccountKey
	}

	product.setPrices(newPrices)
	for _, price := range oldByKey {
		removed = append(removed, price)
	}
	return added, removed, nil
}

// CheckMappingChanges re-walks the mapping chain and product lists and
// reports which mapping or product accounts appeared and disappeared since
// the last refresh. Added accounts are fetched before returning; removed
// accounts are returned as last mirrored.
func (c *Client) CheckMappingChanges(ctx context.Context) (added, removed []Account, err error) {
	if !c.mappingsLoaded || !c.productsLoaded {
		return nil, nil, ErrNotLoaded
	}

	oldAccounts := make(map[solana.PublicKey]Account)
	for _, m := range c.mappings {
		oldAccounts[m.Key()] = m
	}
	for _, p := range c.products {
		oldAccounts[p.Key()] = p
	}

	if err := c.withRetry(ctx, func() error {
		return c.refreshMappings(ctx, nil, 0)
	}); err != nil {
		return nil, nil, err
	}
	if err := c.withRetry(ctx, func() error {
		return c.refreshProducts(ctx, false, nil, 0)
	}); err != nil {
		return nil, nil, err
	}

	newAccounts := make(map[solana.PublicKey]Account)
	for _, m := range c.mappings {
		newAccounts[m.Key()] = m
	}
	for _, p := range c.products {
		newAccounts[p.Key()] = p
	}

	var addedRPC []solana.Account
	for key, account := range newAccounts {
		if _, ok := oldAccounts[key]; !ok {
			added = append(added, account)
			addedRPC = append(addedRPC, account)
		}
	}
	if len(addedRPC) > 0 {
		if err := c.rpc.UpdateAccounts(ctx, addedRPC); err != nil {
			return nil, nil, err
		}
	}
	for key, account := range oldAccounts {
		if _, ok := newAccounts[key]; !ok {
			removed = append(removed, account)
		}
	}
	return added, removed, nil
}

// GetAllAccounts returns every mirrored account: mappings, products and each
// product's prices, fetching whatever is not yet loaded.
func (c *Client) GetAllAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	mappings, err := c.GetMappingAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		accounts = append(accounts, m)
	}
	products, err := c.GetProducts(ctx)
	if err != nil {
		return nil, err
	}
	for _, product := range products {
		accounts = append(accounts, product)
		prices, err := c.GetPrices(ctx, product)
		if err != nil {
			return nil, err
		}
		for _, price := range prices {
			accounts = append(accounts, price)
		}
	}
	return accounts, nil
}
