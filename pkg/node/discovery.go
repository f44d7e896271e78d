package node

import (
	"context"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethernity-cloud/etny-agent/pkg/market"
)

// pendingDPRequests returns this operator's DP requests that are not
// yet settled into the cache, oldest first.
func (w *Worker) pendingDPRequests(ctx context.Context) ([]uint64, error) {
	w.rpcPause()
	ids, err := w.chain.GetMyDPRequests(ctx)
	if err != nil {
		return nil, err
	}
	pending := ids[:0]
	for _, id := range ids {
		if !w.dpReqCache.Contains(strconv.FormatUint(id, 10)) {
			pending = append(pending, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending, nil
}

func (w *Worker) settleDPRequest(id uint64) {
	w.dpReqCache.Add(strconv.FormatUint(id, 10))
}

// hasGas checks the wallet still clears the network's minimum balance.
func (w *Worker) hasGas(ctx context.Context) bool {
	balance, err := w.chain.Balance(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read balance")
		return true
	}
	return balance.Cmp(new(big.Int).SetUint64(w.net.MinimumGasAtStart)) >= 0
}

// cacheDPRequests settles requests that can never produce work again:
// foreign uuids, cancellations and orders already closed.
func (w *Worker) cacheDPRequests(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := w.pendingDPRequests(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to list DP requests")
		return
	}

	total := len(pending)
	threshold := 0
	for idx, id := range pending {
		w.maybeHeartbeat(ctx)
		if ctx.Err() != nil {
			return
		}

		if total > 1 {
			percent := ((idx + 1) * 100) / total
			if percent >= threshold {
				w.logger.Info().Msgf("Building DP requests cache [STAGE 1]: %d%% (%d / %d)", percent, idx+1, total)
				threshold += 10
			}
		}

		w.logger.Debug().Uint64("dp_req", id).Msg("examining DP request")
		w.rpcPause()
		uuid, err := w.chain.GetDPRequestUUID(ctx, id)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("dp_req", id).Msg("failed to read request metadata")
			continue
		}
		if uuid != w.uuid {
			w.logger.Debug().Uint64("dp_req", id).Msg("request advertised by another install, settling")
			w.findOrderByDPReq(ctx, id)
			w.settleDPRequest(id)
			continue
		}

		w.rpcPause()
		req, err := w.chain.GetDPRequest(ctx, id)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("dp_req", id).Msg("failed to read request")
			continue
		}
		switch req.Status {
		case market.RequestCanceled:
			w.findOrderByDPReq(ctx, id)
			w.settleDPRequest(id)
		case market.RequestBooked:
			w.logger.Debug().Uint64("dp_req", id).Msg("request already assigned to an order")
			orderID, order := w.orderForDPReq(ctx, id)
			if order == nil {
				continue
			}
			if order.Status == market.OrderClosed {
				w.logger.Debug().Uint64("dp_req", id).Msg("request completed")
				w.settleDPRequest(id)
			}
			if order.Status == market.OrderOpen {
				w.logger.Debug().Uint64("order", orderID).Msg("order was never approved, skipping")
			}
		}
	}

	if total > 1 && ctx.Err() == nil {
		w.logger.Info().Msg("Building DP requests cache [STAGE 1]: 100%")
		w.logger.Info().Msg("Finished building DP requests cache [STAGE 1]")
	}
}

// resumePendingDPRequests picks up requests that were booked into an
// order before a restart and drives them to completion.
func (w *Worker) resumePendingDPRequests(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := w.pendingDPRequests(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to list DP requests")
		return
	}

	total := len(pending)
	threshold := 0
	for idx, id := range pending {
		if !w.hasGas(ctx) {
			w.logger.Error().Msg("not enough gas to run on this network, exiting")
			return
		}
		if ctx.Err() != nil {
			return
		}

		if total > 1 {
			percent := ((idx + 1) * 100) / total
			if percent >= threshold {
				w.logger.Info().Msgf("Building DP requests cache [STAGE 2]: %d%% (%d / %d)", percent, idx+1, total)
				threshold += 10
			}
		}

		w.rpcPause()
		req, err := w.chain.GetDPRequest(ctx, id)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("dp_req", id).Msg("failed to read request")
			continue
		}
		if req.Status == market.RequestBooked {
			w.logger.Debug().Uint64("dp_req", id).Msg("request already assigned to an order")
			w.processDPRequest(ctx, id)
		}
	}

	if total > 1 && ctx.Err() == nil {
		w.logger.Info().Msg("Building DP requests cache [STAGE 2]: 100%")
		w.logger.Info().Msg("Finished building DP requests cache [STAGE 2]")
	}
}

// resumeAvailableDPRequests re-enters the matching loop for requests
// still advertised as available.
func (w *Worker) resumeAvailableDPRequests(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := w.pendingDPRequests(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to list DP requests")
		return
	}

	for _, id := range pending {
		if ctx.Err() != nil {
			return
		}
		w.rpcPause()
		req, err := w.chain.GetDPRequest(ctx, id)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("dp_req", id).Msg("failed to read request")
			continue
		}
		if req.Status == market.RequestAvailable {
			w.logger.Info().Uint64("dp_req", id).Msg("DP request resumed")
			w.processDPRequest(ctx, id)
		} else {
			w.logger.Debug().Uint64("dp_req", id).Stringer("status", req.Status).Msg("request should already be settled")
		}
	}
}

// orderForDPReq resolves the order a DP request was booked into, or
// nil when none exists.
func (w *Worker) orderForDPReq(ctx context.Context, dpReq uint64) (uint64, *market.Order) {
	orderID, ok := w.findOrderByDPReq(ctx, dpReq)
	if !ok {
		return 0, nil
	}
	order, err := w.chain.GetOrder(ctx, orderID)
	if err != nil {
		w.logger.Warn().Err(err).Uint64("order", orderID).Msg("failed to read order")
		return 0, nil
	}
	return orderID, order
}

// findOrderByDPReq looks up the order id matched with a DP request,
// first in the orders cache and then by walking the operator's order
// history newest first, caching every pair seen along the way.
func (w *Worker) findOrderByDPReq(ctx context.Context, dpReq uint64) (uint64, bool) {
	w.logger.Debug().Uint64("dp_req", dpReq).Msg("checking for an associated order")

	key := strconv.FormatUint(dpReq, 10)
	if cached, ok := w.ordersCache.Get(key); ok {
		if orderID, err := strconv.ParseUint(cached, 10, 64); err == nil {
			w.logger.Debug().Uint64("order", orderID).Msg("found in cache")
			return orderID, true
		}
	}

	orders, err := w.chain.GetMyDOOrders(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to list orders")
		return 0, false
	}

	total := len(orders)
	threshold := 0
	building := false
	for idx := total - 1; idx >= 0; idx-- {
		orderID := orders[idx]

		w.maybeHeartbeat(ctx)
		if ctx.Err() != nil {
			break
		}

		orderKey := strconv.FormatUint(orderID, 10)
		var orderDPReq uint64
		if dpKey, ok := w.ordersCache.KeyOf(orderKey); ok {
			parsed, err := strconv.ParseUint(dpKey, 10, 64)
			if err != nil {
				continue
			}
			w.orderMemo[orderID] = parsed
			orderDPReq = parsed
		} else {
			memo, seen := w.orderMemo[orderID]
			if !seen {
				building = true
				done := total - idx
				percent := (done * 100) / total
				if percent >= threshold && done > 1 {
					w.logger.Info().Msgf("Building orders cache: %d%% (%d / %d)", percent, done, total)
					threshold += 10
				}

				w.rpcPause()
				order, err := w.chain.GetOrder(ctx, orderID)
				if err != nil {
					w.logger.Error().Err(err).Uint64("order", orderID).Msg("unable to read order")
					continue
				}
				memo = order.DPReq
				w.orderMemo[orderID] = memo
			}
			w.ordersCache.Add(strconv.FormatUint(memo, 10), orderKey)
			orderDPReq = memo
		}

		if orderDPReq == dpReq {
			return orderID, true
		}
	}

	if total > 1 && building && ctx.Err() == nil {
		w.logger.Info().Msg("Building orders cache: 100%")
		w.logger.Info().Msg("Finished building orders cache")
	}

	w.logger.Debug().Uint64("dp_req", dpReq).Msg("no order associated")
	return 0, false
}
