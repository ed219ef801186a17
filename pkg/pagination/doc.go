// Package pagination fetches cursor-paginated order listings.
//
// The source API announces the next page in a Link response header
// (`<url>; rel="next"`) whose URL carries an opaque page_info token. Pages
// must be requested in sequence because each token is only known after the
// previous page arrived.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig(creds.OrdersURL())
//	fetcher, err := pagination.NewFetcher(sourceClient, cfg)
//	res, err := fetcher.FetchAll(ctx, pagination.Query{FinancialStatus: "paid"}, 1000)
//
// The fetcher:
//   - Caps the page size at 250 records
//   - Follows page_info cursors until the listing ends or maxRecords is reached
//   - Falls back to "full page means more" when the Link header is absent
//   - Waits 100ms between pages
//   - Validates every page and rejects malformed bodies as permanent errors
//   - Discards partial results on hard failure unless BestEffort is set
package pagination
