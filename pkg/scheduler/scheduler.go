// 文件: pkg/scheduler/scheduler.go
// 清算调度器 - 周期驱动
//
// 单个后台循环，默认 300s 一跳。每一跳:
// 1. 关闭窗口过期的拍卖 (释放冻结，不清算)
// 2. 选出到期拍卖 (next_clearing_at 为空或已到)
// 3. 限流: 距上轮不足 Gmin (= 周期) 的拍卖只把 next_clearing_at 后移
// 4. 逐场清算+结算，各自独立事务，单场失败不影响本跳其他拍卖
// 5. 成功后 next_clearing_at = now + 周期 (在结算事务内写入)
//
// 同一拍卖同一时刻只允许一个在途结算 (inflight 去重)，
// 不同拍卖可以并行。

package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
)

const DefaultInterval = 300 * time.Second

type Scheduler struct {
	db       *gorm.DB
	pipeline *settle.Pipeline
	interval time.Duration

	inflight sync.Map // auctionID -> struct{}
	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func New(db *gorm.DB, pipeline *settle.Pipeline, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		db:       db,
		pipeline: pipeline,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动后台循环 (重复调用无操作)
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}
	log.Printf("[SCHEDULER] started, interval=%s", s.interval)
	go s.loop()
}

// Stop 停止并等待当前一跳结束
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	close(s.stop)
	<-s.done
	log.Printf("[SCHEDULER] stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(context.Background(), now.UTC())
		}
	}
}

// Tick 执行一跳 (导出供手动驱动与测试)
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	repo := auction.NewRepo(s.db)

	// 1. 窗口过期的直接关闭，不跑清算
	expired, err := repo.Expired(ctx, now)
	if err != nil {
		log.Printf("[SCHEDULER] list expired: %v", err)
	}
	for _, a := range expired {
		if err := s.pipeline.CloseAuction(ctx, a.ID, now); err != nil {
			log.Printf("[SCHEDULER] auction #%d close on expiry: %v", a.ID, err)
			continue
		}
		log.Printf("[SCHEDULER] auction #%d window expired, closed", a.ID)
	}

	// 2. 到期拍卖
	due, err := repo.Due(ctx, now)
	if err != nil {
		log.Printf("[SCHEDULER] list due: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, a := range due {
		// 3. 限流: 距上轮不足一个周期，只后移 next_clearing_at
		if a.LastClearingAt != nil {
			notBefore := a.LastClearingAt.Add(s.interval)
			if notBefore.After(now) {
				if err := repo.SetNextClearing(ctx, a.ID, notBefore); err != nil {
					log.Printf("[SCHEDULER] auction #%d throttle: %v", a.ID, err)
				}
				continue
			}
		}

		if _, busy := s.inflight.LoadOrStore(a.ID, struct{}{}); busy {
			continue
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer s.inflight.Delete(id)
			next := now.Add(s.interval)
			outcome, err := s.pipeline.RunRound(ctx, id, now, &next)
			if err != nil {
				// 单场失败不中断本跳，下一跳重试
				log.Printf("[SCHEDULER] auction #%d clearing failed: %v", id, err)
				return
			}
			if outcome.Result.Empty() {
				log.Printf("[SCHEDULER] auction #%d round #%d: no cross", id, outcome.Round.RoundNumber)
			} else {
				log.Printf("[SCHEDULER] auction #%d round #%d: price=%s volume=%s matched=%d",
					id, outcome.Round.RoundNumber,
					outcome.Result.Price.String(), outcome.Result.Volume.String(),
					outcome.Round.MatchedOrders)
			}
		}(a.ID)
	}
	wg.Wait()
}
