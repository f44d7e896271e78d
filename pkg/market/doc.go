// Package market holds the typed domain model over the marketplace
// contract's raw tuples: requests, orders, metadata spec strings and
// the operator reward formulas.
package market
