package handler

import (
	"errors"
	"strconv"

	"bookcoin/internal/config"
	"bookcoin/internal/repository"
	"bookcoin/internal/service"
	"bookcoin/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledgerService   *service.LedgerService
	exchangeService *service.ExchangeService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	ledgerService := service.NewLedgerService(db, rdb, cfg)
	return &Handler{
		ledgerService:   ledgerService,
		exchangeService: service.NewExchangeService(db, rdb, cfg, ledgerService),
	}
}

// writeLedgerError 把账本错误映射为响应码
// 余额不足带差额返回；已发放类结果不会走到这里（它们不是错误）
func writeLedgerError(c *gin.Context, err error) {
	var insufficient *repository.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		response.ErrorWithData(c, response.CodeBalanceNotEnough, insufficient.Error(), gin.H{
			"balance":   insufficient.Balance,
			"amount":    insufficient.Amount,
			"shortfall": insufficient.Shortfall,
		})
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrAlreadyGranted):
		response.BusinessError(c, response.CodeAlreadyGranted, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
	default:
		// 存储类故障统一回"稍后重试"，不把内部错误细节抛给客户端
		response.ServerError(c, "系统繁忙，请稍后重试")
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额与经验值
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	account, err := h.ledgerService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":    account.UserID,
		"balance":    account.Balance,
		"experience": account.Experience,
	})
}

// GetHistory 查询书币流水，按时间倒序分页
// GET /api/v1/account/history?user_id=xxx&page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.ledgerService.GetHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// RegisterRequest 注册奖励请求
type RegisterRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// Register 发放注册奖励
// POST /api/v1/account/register
// 注册流程创建用户记录后同步调用；重复调用返回已发放错误
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.Register(c.Request.Context(), req.UserID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 奖励相关接口
// ============================================================

// CheckInRequest 签到请求
type CheckInRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// CheckIn 每日签到
// POST /api/v1/reward/checkin
// 当日重复签到返回 outcome=ALREADY_CHECKED_IN，code 仍为 0（信息态，不是错误）
func (h *Handler) CheckIn(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.CheckIn(c.Request.Context(), req.UserID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// PromotionalReadRequest 推广图书阅读请求
type PromotionalReadRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	BookID string `json:"book_id" binding:"required"`
}

// PromotionalRead 推广图书免费阅读
// POST /api/v1/reward/read
// 每人每书每日最多奖励一次；无论是否发放，access_granted 恒为 true
func (h *Handler) PromotionalRead(c *gin.Context) {
	var req PromotionalReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.ReadPromotional(c.Request.Context(), req.UserID, req.BookID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 扣费相关接口
// ============================================================

// SpendRequest 直接扣费请求
type SpendRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Source      string `json:"source" binding:"required"` // EXCHANGE / READ
	Description string `json:"description"`
}

// Spend 直接扣费
// POST /api/v1/coin/spend
//
// 【关键点】本接口不做幂等，调用方须先把图书状态置为已预订等
// 不可重入状态再扣费；需要幂等的场景走置换下单接口
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.Spend(c.Request.Context(), req.UserID, req.Amount, req.Source, "", req.Description)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// SystemGrantRequest 系统入账请求
type SystemGrantRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

// SystemGrant 系统调整入账（运营后台用，简化版，未做权限控制）
// POST /api/v1/coin/grant
func (h *Handler) SystemGrant(c *gin.Context) {
	var req SystemGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.SystemGrant(c.Request.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 置换订单相关接口
// ============================================================

// CreateExchange 置换/付费阅读下单并扣币
// POST /api/v1/exchange/create
//
// 幂等性：相同 request_id 只会扣费一次；
// 原子性：订单状态、余额扣减、流水记录同事务提交
func (h *Handler) CreateExchange(c *gin.Context) {
	var req service.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.exchangeService.Exchange(c.Request.Context(), &req)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// GetExchangeOrder 查询订单详情
// GET /api/v1/exchange/detail?order_no=xxx
func (h *Handler) GetExchangeOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	order, err := h.exchangeService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, order)
}

// ListExchangeOrders 查询用户订单列表
// GET /api/v1/exchange/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListExchangeOrders(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.exchangeService.ListUserOrders(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// RefundExchangeOrder 置换失败退币
// POST /api/v1/exchange/refund
// 只有已支付订单可退；重复退币返回原结果，不会二次入账
func (h *Handler) RefundExchangeOrder(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.exchangeService.Refund(c.Request.Context(), &req)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, result)
}

// CancelExchangeOrder 取消订单
// POST /api/v1/exchange/cancel
func (h *Handler) CancelExchangeOrder(c *gin.Context) {
	var req struct {
		OrderNo string `json:"order_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.exchangeService.CancelOrder(c.Request.Context(), req.OrderNo); err != nil {
		writeLedgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "订单已取消",
	})
}
