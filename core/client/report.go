package client

import (
	"context"
	"time"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/rpc/metadata"
)

const (
	reportTimeout        = 10 * time.Second
	stressReportInterval = time.Hour
)

// reportBlockError files an asynchronous error report for one failed block
// read or write. Reporting failures are swallowed so they can never mask
// the original I/O error.
func (c *Client) reportBlockError(objMD model.ObjectMD, blockMD model.Block, action, rpcCode string, cause error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		err := c.md.ReportErrorOnObject(ctx, metadata.ReportErrorOnObjectArgs{
			Action:  action,
			Bucket:  objMD.Bucket,
			Key:     objMD.Key,
			ObjID:   objMD.ObjID,
			BlockMD: blockMD,
			RPCCode: rpcCode,
			Message: cause.Error(),
		})
		if err != nil {
			log.Warnw("block error report failed",
				"block", blockMD.ID, "rpcCode", rpcCode, "err", err)
		}
	}()
}

// reportStress files at most one endpoint stress report per hour, on the
// first stream admission timeout of that hour.
func (c *Client) reportStress() {
	now := time.Now().Unix()
	last := c.lastStressReport.Load()
	if now-last < int64(stressReportInterval/time.Second) {
		return
	}
	if !c.lastStressReport.CompareAndSwap(last, now) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		err := c.md.ReportEndpointProblems(ctx, metadata.ReportEndpointProblemsArgs{
			Problem: "STRESS",
			Message: "stream memory admission timed out",
		})
		if err != nil {
			log.Warnw("stress report failed", "err", err)
		}
	}()
}
