package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chronoz"

var (
	// AuthRequestsTotal 认证相关操作计数，按操作与结果划分。
	AuthRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_requests_total",
		Help:      "Identity operations by operation and result.",
	}, []string{"operation", "result"})

	// ChallengesIssuedTotal 已签发的验证码数量，按类型划分。
	ChallengesIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_issued_total",
		Help:      "Verification challenges issued by kind.",
	}, []string{"kind"})

	// MailDispatchTotal 邮件投递结果。
	MailDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_dispatch_total",
		Help:      "Mail dispatch attempts by purpose and result.",
	}, []string{"purpose", "result"})

	MailQueueWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mail_queue_workers",
		Help:      "Configured in-process mail workers.",
	})

	MailQueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mail_queue_pending",
		Help:      "Mail jobs waiting in the in-process queue.",
	})

	MailDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_dlq_total",
		Help:      "Mail outbox messages moved to the dead letter stream.",
	})

	MailAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_autoclaim_total",
		Help:      "Stale mail outbox messages reclaimed by XAUTOCLAIM.",
	})

	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Blocking acquisitions abandoned because the context ended.",
	})

	RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejected_total",
		Help:      "Requests rejected by the attempt limiter.",
	}, []string{"route"})

	CooldownHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cooldown_hits_total",
		Help:      "Requests refused because a cooldown was still held.",
	}, []string{"scope"})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标（只执行一次），并记录 mail worker 数量。
func InitMetrics(mailWorkers int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AuthRequestsTotal,
			ChallengesIssuedTotal,
			MailDispatchTotal,
			MailQueueWorkers,
			MailQueuePending,
			MailDLQTotal,
			MailAutoClaimTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			RateLimitRejectedTotal,
			CooldownHitsTotal,
		)
	})
	MailQueueWorkers.Set(float64(mailWorkers))
}
