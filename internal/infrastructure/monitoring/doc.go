/*
Package monitoring provides metrics collection for the IPC kernel.

# Overview

Every kernel owns a private Prometheus registry, so tests and multiple
kernels in one process never collide on metric names.

# Features

- Calls sent by kind (sync, async, forward)
- Answers by return value
- Per-phone call limit rejections
- Kernel auto replies (EPARTY, EFORWARD, EHANGUP)
- Forgotten calls
- Connected phones and live tasks
- IRQ notifications (delivered, throttled, declined)
- Wait-for-call latency

# Usage

	metrics := monitoring.NewMetrics()
	metrics.RecordCall("async")

	timer := monitoring.NewTimer(metrics)
	// ... block in wait-for-call ...
	timer.Stop("call")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
