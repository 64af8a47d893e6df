package job

import (
	"context"
	"time"

	"bookcoin/internal/config"
	"bookcoin/internal/model"
	"bookcoin/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OrderTimeoutJob 订单超时关闭任务
// 超时未支付的 CREATED 订单批量关闭，释放图书的预订状态
type OrderTimeoutJob struct {
	db        *gorm.DB
	orderRepo *repository.OrderRepository
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOrderTimeoutJob(db *gorm.DB, cfg *config.Config) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		db:        db,
		orderRepo: repository.NewOrderRepository(db),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  10 * time.Second,
		batchSize: 100,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	logrus.Info("[OrderTimeoutJob] 订单超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("[OrderTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logrus.Info("[OrderTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.closeExpiredOrders(ctx)
		}
	}
}

func (j *OrderTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *OrderTimeoutJob) closeExpiredOrders(ctx context.Context) {
	orders, err := j.orderRepo.GetExpiredOrders(ctx, j.batchSize)
	if err != nil {
		logrus.Errorf("[OrderTimeoutJob] 查询超时订单失败: %v", err)
		return
	}

	if len(orders) == 0 {
		return
	}

	closedCount := 0
	for _, order := range orders {
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusCreated, model.OrderStatusClosed)
		if err != nil {
			logrus.Warnf("[OrderTimeoutJob] 关闭订单失败: orderNo=%s, err=%v", order.OrderNo, err)
			continue
		}
		closedCount++
	}

	logrus.Infof("[OrderTimeoutJob] 本次关闭 %d 个超时订单", closedCount)
}

// PayingOrderCompensateJob 卡单补偿任务
//
// 事务提交后进程崩溃不会产生卡单（状态与流水同事务），但支付事务
// 开始前崩溃可能留下 PAYING 状态的残留订单。以扣币流水为准补偿：
// 流水存在说明扣款已提交，推进为 PAID；超时且无流水则判定失败。
type PayingOrderCompensateJob struct {
	db              *gorm.DB
	orderRepo       *repository.OrderRepository
	transactionRepo *repository.TransactionRepository
	cfg             *config.Config
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewPayingOrderCompensateJob(db *gorm.DB, cfg *config.Config) *PayingOrderCompensateJob {
	return &PayingOrderCompensateJob{
		db:              db,
		orderRepo:       repository.NewOrderRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		cfg:             cfg,
		stopCh:          make(chan struct{}),
		interval:        30 * time.Second,
		batchSize:       50,
	}
}

func (j *PayingOrderCompensateJob) Start(ctx context.Context) {
	logrus.Info("[PayingOrderCompensateJob] 补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("[PayingOrderCompensateJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logrus.Info("[PayingOrderCompensateJob] 任务停止")
			return
		case <-ticker.C:
			j.compensatePayingOrders(ctx)
		}
	}
}

func (j *PayingOrderCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *PayingOrderCompensateJob) compensatePayingOrders(ctx context.Context) {
	beforeTime := time.Now().Add(-5 * time.Minute)
	orders, err := j.orderRepo.GetPayingOrders(ctx, beforeTime, j.batchSize)
	if err != nil {
		logrus.Errorf("[PayingOrderCompensateJob] 查询订单失败: %v", err)
		return
	}

	for _, order := range orders {
		j.compensateOrder(ctx, order)
	}
}

func (j *PayingOrderCompensateJob) compensateOrder(ctx context.Context, order *model.ExchangeOrder) {
	trans, err := j.transactionRepo.GetByOrderNo(ctx, order.OrderNo)
	if err != nil {
		logrus.Errorf("[PayingOrderCompensateJob] 查询流水失败: orderNo=%s, err=%v", order.OrderNo, err)
		return
	}

	if trans != nil && trans.Direction == model.DirectionSpend {
		logrus.Warnf("[PayingOrderCompensateJob] 发现已扣币但状态未推进的订单: orderNo=%s", order.OrderNo)

		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusPaying, model.OrderStatusPaid)
		if err != nil {
			logrus.Errorf("[PayingOrderCompensateJob] 补偿更新订单状态失败: orderNo=%s, err=%v", order.OrderNo, err)
		}
		return
	}

	orderTimeout := time.Duration(j.cfg.Business.OrderTimeoutMinutes) * time.Minute
	if time.Since(order.CreatedAt) > orderTimeout {
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusPaying, model.OrderStatusFailed)
		if err != nil {
			logrus.Errorf("[PayingOrderCompensateJob] 关闭订单失败: orderNo=%s, err=%v", order.OrderNo, err)
		} else {
			logrus.Warnf("[PayingOrderCompensateJob] 订单超时且无扣币流水，已标记为失败: orderNo=%s", order.OrderNo)
		}
	}
}
