package node

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
	"github.com/ethernity-cloud/etny-agent/pkg/chain"
	"github.com/ethernity-cloud/etny-agent/pkg/config"
	"github.com/ethernity-cloud/etny-agent/pkg/hardware"
	"github.com/ethernity-cloud/etny-agent/pkg/market"
	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
	"github.com/ethernity-cloud/etny-agent/pkg/retry"
)

const (
	dpRequestLookupAttempts = 10
	dpRequestLookupDelay    = 3 * time.Second
)

// scanPause is the DO scan interval, slightly inside the block time so
// every new block is seen once.
func (w *Worker) scanPause() time.Duration {
	d := time.Duration((w.net.BlockTime - 1.3) * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// addDPRequest advertises the host's current capacity on the
// marketplace and returns the new request id. Capacity is re-probed on
// every advertisement; the contract fields are single bytes so values
// are capped at 255.
func (w *Worker) addDPRequest(ctx context.Context) (uint64, error) {
	cpus, memory, storage := w.cfg.CPU, w.cfg.Memory, w.cfg.Storage
	if info, err := hardware.Probe(); err == nil {
		cpus, memory, storage = info.CPUs, info.MemoryGB, info.StorageGB
	} else {
		w.logger.Warn().Err(err).Msg("failed to probe hardware, using configured capacity")
	}

	req := &market.Request{
		CPU:       uint64(hardware.Clamp(cpus)),
		Memory:    uint64(hardware.Clamp(memory)),
		Storage:   uint64(hardware.Clamp(storage)),
		Bandwidth: uint64(hardware.Clamp(w.cfg.Bandwidth)),
		Duration:  uint64(w.cfg.Duration),
		Price:     uint64(w.cfg.Price),
	}

	w.logger.Info().Msg("preparing transaction for new DP request")
	w.rpcPause()
	id, err := w.chain.AddDPRequest(ctx, req, w.uuid, w.geo)
	if err != nil {
		return 0, fmt.Errorf("failed to add DP request: %w", err)
	}
	w.logger.Info().Uint64("dp_req", id).Msg("DP request initialized")
	return id, nil
}

// resumeProcessing is the worker's steady state: advertise capacity,
// scan for a matching DO request, process the resulting order, repeat.
func (w *Worker) resumeProcessing(ctx context.Context) {
	for ctx.Err() == nil {
		if !w.hasGas(ctx) {
			w.logger.Error().Msg("not enough gas to run on this network, exiting")
			return
		}
		dpReq, err := w.addDPRequest(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("failed to advertise capacity")
			return
		}
		w.processDPRequest(ctx, dpReq)
	}
}

// processDPRequest drives one DP request to completion. A request
// already booked into an order resumes that order; an available one
// enters the DO scan loop until an order is placed and processed or the
// request is settled.
func (w *Worker) processDPRequest(ctx context.Context, dpReq uint64) {
	pause := w.scanPause()

	if orderID, ok := w.findOrderByDPReq(ctx, dpReq); ok {
		w.rpcPause()
		order, err := w.chain.GetOrder(ctx, orderID)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("order", orderID).Msg("failed to read order")
			return
		}
		switch order.Status {
		case market.OrderProcessing:
			w.logger.Debug().Uint64("order", orderID).Msg("DP request never finished, processing order")
			if err := w.slot.Acquire(ctx, w.net.Name); err != nil {
				return
			}
			if err := w.processOrder(ctx, orderID, nil); err != nil {
				w.logger.Error().Err(err).Uint64("order", orderID).Msg("unable to process order")
			}
			w.slot.Release(w.net.Name)
		case market.OrderClosed:
			w.logger.Debug().Uint64("dp_req", dpReq).Msg("DP request completed")
			w.settleDPRequest(dpReq)
		case market.OrderOpen:
			w.logger.Debug().Msg("order was never approved, skipping")
		}
		return
	}

	w.logger.Debug().Uint64("dp_req", dpReq).Msg("processing DP request")
	var req *market.Request
	err := retry.Do(retry.Options{
		Attempts: dpRequestLookupAttempts,
		Policy:   retry.FixedDelay(dpRequestLookupDelay),
		Stop:     func() bool { return ctx.Err() != nil },
	}, func(int) error {
		w.rpcPause()
		r, err := w.chain.GetDPRequest(ctx, dpReq)
		if err == nil {
			req = r
		}
		return err
	})
	if err != nil {
		w.logger.Info().Uint64("dp_req", dpReq).Msg("DP request was not found")
		return
	}
	if req.Status != market.RequestAvailable {
		w.logger.Debug().Uint64("dp_req", dpReq).Stringer("status", req.Status).Msg("skipping, request no longer available")
		return
	}

	w.rpcPause()
	totalNodes, err := w.chain.GetNodesCount(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read nodes count")
		return
	}

	doReqs := make(map[uint64]*market.Request)
	meta := make(map[uint64]*market.DOMetadata)
	w.logger.Info().Msg("system ready for the next DO request")

	nextDPRequest := false
	for ctx.Err() == nil && !nextDPRequest {
		w.sleep(ctx, pause)
		w.maybeHeartbeat(ctx)
		if w.slot.Owner() != "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		w.rpcPause()
		count, err := w.chain.GetDORequestsCount(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("failed to read DO requests count")
			continue
		}
		if count == 0 {
			continue
		}

		candidates := w.unsettledDORequests(count)
		total := len(candidates)
		threshold := 0
		firstScan := !w.doScanAnnounced

		for pos := total - 1; pos >= 0; pos-- {
			i := candidates[pos]

			w.maybeHeartbeat(ctx)
			if ctx.Err() != nil {
				break
			}

			if firstScan {
				done := total - pos
				percent := (done * 100) / total
				if percent >= threshold {
					w.logger.Info().Msgf("Building DO requests cache: %d%% (%d / %d)", percent, done, total)
					threshold++
				}
			}

			if !w.fetchDORequest(ctx, i, doReqs, meta) {
				return
			}
			metrics.DORequestsScanned.WithLabelValues(w.net.Name).Inc()

			do := doReqs[i]
			if !req.Fits(do) || do.Price < req.Price {
				w.logger.Debug().Uint64("do_req", i).Msg("not enough resources to process this DO request, skipping")
				w.settleDORequest(i)
				continue
			}

			if !meta[i].PinnedTo(w.chain.Address()) {
				w.logger.Debug().Uint64("do_req", i).Msg("request is delegated to a different node, skipping")
				w.settleDORequest(i)
				continue
			}

			if meta[i].PinnedNode == "" {
				w.rpcPause()
				block, err := w.chain.BlockNumber(ctx)
				if err != nil {
					w.logger.Warn().Err(err).Msg("failed to read block number")
					continue
				}
				decision := w.planner.Decide(block, totalNodes, dpReq, i)
				if !decision.Place {
					metrics.DispatchEvaluations.WithLabelValues(w.net.Name, "wait").Inc()
					w.logger.Info().
						Uint64("do_req", i).
						Uint64("wait_blocks", decision.WaitBlocks).
						Msg("waiting for dispersion slot")
					continue
				}
				metrics.DispatchEvaluations.WithLabelValues(w.net.Name, "place").Inc()
			}

			// Re-read right before placing, another operator may have
			// taken it while we waited.
			if !w.refreshDORequest(ctx, i, doReqs) {
				return
			}
			if doReqs[i].Status != market.RequestAvailable {
				w.logger.Info().Uint64("do_req", i).Msg("DO request is matched with another operator, skipping processing")
				w.settleDORequest(i)
				w.planner.Forget(i)
				continue
			}

			if w.sgxDriverConflict() {
				w.logger.Error().Msg("SGX configuration error, both isgx drivers are installed, skipping order placement")
				w.settleDORequest(i)
				continue
			}
			if !w.sgxCapable {
				w.logger.Error().Msg("SGX is not enabled or correctly configured, skipping DO request")
				w.settleDORequest(i)
				continue
			}

			if !w.slot.TryAcquire(w.net.Name) {
				continue
			}

			w.logger.Info().Uint64("do_req", i).Msg("DO request detected, starting order placement")
			orderID, err := w.placeOrder(ctx, i, dpReq)
			if err != nil {
				w.logger.Warn().Err(err).Msg("failed placing order")
				w.slot.Release(w.net.Name)
				continue
			}
			w.settleDORequest(i)
			w.planner.Forget(i)
			if err := w.mergedOrders.Add(cache.MergedOrder{DO: i, DP: dpReq, Order: orderID}); err != nil {
				w.logger.Warn().Err(err).Msg("failed to record matched order")
			}
			metrics.OrdersPlaced.WithLabelValues(w.net.Name).Inc()

			if meta[i].PinnedNode == "" {
				if !w.awaitOrderApproval(ctx, orderID) {
					w.slot.Release(w.net.Name)
					nextDPRequest = true
					break
				}
			}

			if err := w.processOrder(ctx, orderID, meta[i]); err != nil {
				w.logger.Error().Err(err).Uint64("order", orderID).Msg("unable to process order")
				w.slot.Release(w.net.Name)
				continue
			}
			w.logger.Info().
				Uint64("order", orderID).
				Uint64("do_req", i).
				Uint64("dp_req", dpReq).
				Msg("order completed")
			w.slot.Release(w.net.Name)
			nextDPRequest = true
			break
		}

		if firstScan && threshold > 0 && ctx.Err() == nil {
			w.logger.Info().Msg("Building DO requests cache: 100%")
			w.logger.Info().Msg("Finished building DO requests cache")
			w.logger.Info().Msg("system ready for the next DO request")
		}
		w.doScanAnnounced = true
	}

	if err := w.content.RepoGC(ctx); err != nil {
		w.logger.Debug().Err(err).Msg("content store garbage collection failed")
	}
}

// unsettledDORequests returns the DO request ids below count that are
// not yet settled, ascending.
func (w *Worker) unsettledDORequests(count uint64) []uint64 {
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		if !w.doReqCache.Contains(strconv.FormatUint(i, 10)) {
			out = append(out, i)
		}
	}
	return out
}

func (w *Worker) settleDORequest(id uint64) {
	w.doReqCache.Add(strconv.FormatUint(id, 10))
}

// fetchDORequest reads the request and its metadata into the scan
// memos, retrying until it succeeds or ctx is cancelled.
func (w *Worker) fetchDORequest(ctx context.Context, id uint64, doReqs map[uint64]*market.Request, meta map[uint64]*market.DOMetadata) bool {
	if meta[id] != nil {
		return true
	}
	for ctx.Err() == nil {
		w.rpcPause()
		r, err := w.chain.GetDORequest(ctx, id)
		if err == nil {
			w.rpcPause()
			m, merr := w.chain.GetDORequestMetadata(ctx, id)
			if merr == nil {
				doReqs[id] = r
				meta[id] = m
				return true
			}
			err = merr
		}
		w.logger.Warn().Err(err).Uint64("do_req", id).Msg("failed to read DO request metadata")
	}
	return false
}

func (w *Worker) refreshDORequest(ctx context.Context, id uint64, doReqs map[uint64]*market.Request) bool {
	for ctx.Err() == nil {
		w.rpcPause()
		r, err := w.chain.GetDORequest(ctx, id)
		if err == nil {
			doReqs[id] = r
			return true
		}
		w.logger.Warn().Err(err).Uint64("do_req", id).Msg("failed to read DO request")
	}
	return false
}

// placeOrder matches doReq with this operator's dpReq. A revert means
// someone else won the race; the request is settled when it is no
// longer available.
func (w *Worker) placeOrder(ctx context.Context, doReq, dpReq uint64) (uint64, error) {
	w.rpcPause()
	orderID, err := w.chain.PlaceOrder(ctx, doReq, dpReq)
	if err != nil {
		if chain.IsRevert(err) {
			w.rpcPause()
			do, rerr := w.chain.GetDORequest(ctx, doReq)
			if rerr == nil && do.Status != market.RequestAvailable {
				w.logger.Info().Uint64("do_req", doReq).Msg("DO request is matched with another operator, skipping processing")
				w.settleDORequest(doReq)
			}
		}
		return 0, err
	}
	w.logger.Info().Uint64("order", orderID).Msg("order secured")
	return orderID, nil
}

// awaitOrderApproval polls the order until the owner approves it,
// giving up after roughly a minute's worth of blocks.
func (w *Worker) awaitOrderApproval(ctx context.Context, orderID uint64) bool {
	attempts := int(60 / w.net.BlockTime)
	if attempts < 1 {
		attempts = 1
	}
	w.logger.Info().Uint64("order", orderID).Msg("awaiting approval for order")
	err := retry.Do(retry.Options{
		Attempts: attempts,
		Policy:   retry.FixedDelay(time.Duration(w.net.BlockTime * float64(time.Second))),
		Stop:     func() bool { return ctx.Err() != nil },
	}, func(int) error {
		return w.checkOrderApproved(ctx, orderID)
	})
	if err != nil {
		w.logger.Info().
			Int("blocks", attempts).
			Msg("order was not approved in time, skipping to next DP request")
		return false
	}
	w.logger.Info().Msg("approval granted, order processing continues")
	return true
}

func (w *Worker) checkOrderApproved(ctx context.Context, orderID uint64) error {
	w.rpcPause()
	order, err := w.chain.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != market.OrderProcessing {
		return fmt.Errorf("order %d has not been approved yet", orderID)
	}
	return nil
}

// logReward reports the operator's share for a completed order.
func (w *Worker) logReward(ctx context.Context, doReq uint64) {
	w.rpcPause()
	do, err := w.chain.GetDORequest(ctx, doReq)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read DO request for reward calculation")
		return
	}
	reward, err := market.OperatorReward(do.Price, do.Duration, market.Fees{
		RewardType: w.net.RewardType,
		NetworkFee: w.net.NetworkFee,
		EnclaveFee: w.net.EnclaveFee,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to calculate reward")
		return
	}
	w.logger.Info().Msgf("Reward: %.2f %s", reward, w.net.TokenName)
	if w.net.NetworkType == config.TypeMainnet {
		w.logger.Info().Msgf("HODL your %s for long-term growth, payout after validation", w.net.TokenName)
	}
}
