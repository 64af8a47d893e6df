package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookcoin/internal/config"
	"bookcoin/internal/infrastructure/lock"
	"bookcoin/internal/model"
	"bookcoin/internal/repository"
	"bookcoin/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExchangeService 图书置换/付费阅读下单服务
//
// 扣费的幂等边界在这里：同一 request_id 只会创建一个订单，
// 重复提交直接返回已有订单，不会再次扣币。
type ExchangeService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	ledger          *LedgerService
	orderRepo       *repository.OrderRepository
	transactionRepo *repository.TransactionRepository
}

func NewExchangeService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, ledger *LedgerService) *ExchangeService {
	return &ExchangeService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		ledger:          ledger,
		orderRepo:       repository.NewOrderRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

type ExchangeRequest struct {
	RequestID string `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	UserID    int64  `json:"user_id" binding:"required"`
	BookID    string `json:"book_id" binding:"required"`
	OrderType string `json:"order_type" binding:"required"` // EXCHANGE / READ
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

type ExchangeResponse struct {
	OrderNo string `json:"order_no"`
	Status  string `json:"status"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance,omitempty"` // 支付后余额，幂等命中时为 0
	Message string `json:"message,omitempty"`
}

// Exchange 下单并扣币
//
// 流程：幂等校验 -> 用户级分布式锁 -> 二次幂等校验 -> 单事务内
// [创建订单 -> CREATED→PAYING -> 扣币+流水 -> PAYING→PAID -> 事件]。
// 余额不足时整个事务回滚，不会留下半支付状态的订单。
func (s *ExchangeService) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResponse, error) {
	if req.OrderType != model.OrderTypeExchange && req.OrderType != model.OrderTypeRead {
		return nil, repository.ErrInvalidArgument
	}

	existingOrder, err := s.orderRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if existingOrder != nil {
		return &ExchangeResponse{
			OrderNo: existingOrder.OrderNo,
			Status:  existingOrder.Status,
			Amount:  existingOrder.Amount,
			Message: "订单已存在",
		}, nil
	}

	if s.redisClient != nil {
		spendLock := lock.NewSpendLock(s.redisClient, req.UserID, req.RequestID)
		if err := spendLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer spendLock.Unlock(ctx)

		// 获取锁后再次检查幂等
		existingOrder, err = s.orderRepo.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("查询订单失败: %w", err)
		}
		if existingOrder != nil {
			return &ExchangeResponse{
				OrderNo: existingOrder.OrderNo,
				Status:  existingOrder.Status,
				Amount:  existingOrder.Amount,
				Message: "订单已存在",
			}, nil
		}
	}

	source := model.SourceExchange
	description := fmt.Sprintf("图书置换-%s", req.BookID)
	if req.OrderType == model.OrderTypeRead {
		source = model.SourceRead
		description = fmt.Sprintf("付费阅读-%s", req.BookID)
	}

	orderNo := idgen.GenerateOrderNo()
	expiredAt := time.Now().Add(time.Duration(s.cfg.Business.OrderTimeoutMinutes) * time.Minute)

	order := &model.ExchangeOrder{
		OrderNo:   orderNo,
		RequestID: req.RequestID,
		UserID:    req.UserID,
		BookID:    req.BookID,
		Amount:    req.Amount,
		OrderType: req.OrderType,
		Status:    model.OrderStatusCreated,
		ExpiredAt: expiredAt,
	}

	var trans *model.CoinTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("创建订单失败: %w", err)
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, model.OrderStatusCreated, model.OrderStatusPaying); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		var err error
		trans, err = s.ledger.SpendTx(ctx, tx, req.UserID, req.Amount, source, orderNo, description)
		if err != nil {
			return err
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, orderNo, model.OrderStatusPaying, model.OrderStatusPaid); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		return nil
	})
	if err != nil {
		var insufficient *repository.InsufficientBalanceError
		if !errors.As(err, &insufficient) {
			logrus.WithFields(logrus.Fields{
				"order_no": orderNo,
				"user_id":  req.UserID,
				"error":    err.Error(),
			}).Error("置换下单失败")
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_no": orderNo,
		"user_id":  req.UserID,
		"book_id":  req.BookID,
		"amount":   req.Amount,
	}).Info("置换支付成功")

	return &ExchangeResponse{
		OrderNo: orderNo,
		Status:  model.OrderStatusPaid,
		Amount:  req.Amount,
		Balance: trans.BalanceAfter,
		Message: "支付成功",
	}, nil
}

// RefundRequest 退币请求
type RefundRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	OrderNo   string `json:"order_no" binding:"required"`
	Reason    string `json:"reason"` // 退币原因，如图书已被他人换走
}

// RefundResponse 退币结果
type RefundResponse struct {
	RefundNo string `json:"refund_no,omitempty"`
	OrderNo  string `json:"order_no"`
	Amount   int64  `json:"amount"`
	Balance  int64  `json:"balance,omitempty"` // 退币后余额，幂等命中时为 0
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// Refund 置换失败退币
//
// 图书被他人先行换走或卖家撤单时，把已支付订单的书币退回账户。
// 幂等边界是订单状态机：只有 PAID 订单可进入 REFUNDING，
// 重复退款命中 REFUNDED 状态或已有退币流水时原样返回。
func (s *ExchangeService) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, req.OrderNo)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusRefunded {
		return &RefundResponse{
			OrderNo: order.OrderNo,
			Amount:  order.Amount,
			Status:  model.OrderStatusRefunded,
			Message: "已退币，请勿重复操作",
		}, nil
	}
	if order.Status != model.OrderStatusPaid {
		return nil, fmt.Errorf("%w: 当前状态 %s 不允许退币", repository.ErrOrderStatusInvalid, order.Status)
	}

	// 流水侧再挡一道：状态机故障恢复期间订单可能停在 REFUNDING
	existing, err := s.transactionRepo.GetByOrderNoAndSource(ctx, req.OrderNo, model.SourceExchangeRefund)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &RefundResponse{
			OrderNo: order.OrderNo,
			Amount:  order.Amount,
			Status:  model.OrderStatusRefunded,
			Message: "已退币，请勿重复操作",
		}, nil
	}

	if s.redisClient != nil {
		refundLock := lock.NewRefundLock(s.redisClient, req.OrderNo, req.RequestID)
		if err := refundLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer refundLock.Unlock(ctx)

		order, err = s.orderRepo.GetByOrderNo(ctx, req.OrderNo)
		if err != nil {
			return nil, err
		}
		if order.Status != model.OrderStatusPaid {
			if order.Status == model.OrderStatusRefunded {
				return &RefundResponse{
					OrderNo: order.OrderNo,
					Amount:  order.Amount,
					Status:  model.OrderStatusRefunded,
					Message: "已退币，请勿重复操作",
				}, nil
			}
			return nil, fmt.Errorf("%w: 当前状态 %s 不允许退币", repository.ErrOrderStatusInvalid, order.Status)
		}
	}

	refundNo := idgen.GenerateRefundNo()
	description := fmt.Sprintf("退币-%s-%s", refundNo, req.Reason)

	var trans *model.CoinTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.UpdateStatus(ctx, tx, req.OrderNo, model.OrderStatusPaid, model.OrderStatusRefunding); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		var err error
		trans, err = s.ledger.RefundTx(ctx, tx, order.UserID, order.Amount, req.OrderNo, description)
		if err != nil {
			return err
		}

		return s.orderRepo.UpdateStatus(ctx, tx, req.OrderNo, model.OrderStatusRefunding, model.OrderStatusRefunded)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"order_no": req.OrderNo,
			"error":    err.Error(),
		}).Error("退币失败")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"refund_no": refundNo,
		"order_no":  req.OrderNo,
		"user_id":   order.UserID,
		"amount":    order.Amount,
	}).Info("退币成功")

	return &RefundResponse{
		RefundNo: refundNo,
		OrderNo:  req.OrderNo,
		Amount:   order.Amount,
		Balance:  trans.BalanceAfter,
		Status:   model.OrderStatusRefunded,
		Message:  "退币成功",
	}, nil
}

func (s *ExchangeService) GetOrder(ctx context.Context, orderNo string) (*model.ExchangeOrder, error) {
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

func (s *ExchangeService) GetOrderByRequestID(ctx context.Context, requestID string) (*model.ExchangeOrder, error) {
	return s.orderRepo.GetByRequestID(ctx, requestID)
}

func (s *ExchangeService) ListUserOrders(ctx context.Context, userID int64, page, pageSize int) ([]*model.ExchangeOrder, int64, error) {
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}

// CancelOrder 取消未支付的订单
func (s *ExchangeService) CancelOrder(ctx context.Context, orderNo string) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}

	return s.orderRepo.UpdateStatus(ctx, nil, orderNo, order.Status, model.OrderStatusCancelled)
}

// CloseExpiredOrders 关闭超时未支付的订单，超时任务调用
func (s *ExchangeService) CloseExpiredOrders(ctx context.Context, limit int) (int, error) {
	orders, err := s.orderRepo.GetExpiredOrders(ctx, limit)
	if err != nil {
		return 0, err
	}

	closedCount := 0
	for _, order := range orders {
		err := s.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusCreated, model.OrderStatusClosed)
		if err == nil {
			closedCount++
		}
	}

	return closedCount, nil
}
