package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/mesh-runtime/internal/core/model"
	"github.com/hewenyu/mesh-runtime/internal/mesh"
	"github.com/hewenyu/mesh-runtime/internal/mesh/registry"
)

// MeshHandler 处理网格管理相关的HTTP请求
type MeshHandler struct {
	mesh *mesh.Mesh
}

// NewMeshHandler 创建一个新的网格管理处理器
func NewMeshHandler(m *mesh.Mesh) *MeshHandler {
	return &MeshHandler{
		mesh: m,
	}
}

// RegisterRoutes 注册API路由
func (h *MeshHandler) RegisterRoutes(e *echo.Echo) {
	// 健康检查
	e.GET("/health", h.health)

	api := e.Group("/api/v1")

	// 网格状态快照
	api.GET("/status", h.getStatus)

	// 服务实例管理
	api.GET("/services", h.listServices)
	api.POST("/services", h.registerService)
	api.DELETE("/services/:serviceId", h.deregisterService)
	api.PUT("/services/:serviceId/health", h.updateServiceHealth)

	// 队列管理
	api.GET("/queue/stats", h.getQueueStats)
	api.POST("/queue/dead-letter/:messageId/reprocess", h.reprocessDeadLetter)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// health 处理健康检查请求
func (h *MeshHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// getStatus 处理网格状态快照请求
func (h *MeshHandler) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", h.mesh.Status()))
}

// listServices 处理查询服务实例列表请求
func (h *MeshHandler) listServices(c echo.Context) error {
	instances := h.mesh.Registry().Snapshot()

	data := map[string]interface{}{
		"services": instances,
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// registerService 处理注册服务实例请求
func (h *MeshHandler) registerService(c echo.Context) error {
	var instance model.ServiceInstance
	if err := c.Bind(&instance); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "解析请求体失败: "+err.Error()))
	}

	if err := h.mesh.RegisterService(c.Request().Context(), &instance); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "注册服务实例失败: "+err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "注册成功", instance))
}

// deregisterService 处理注销服务实例请求
func (h *MeshHandler) deregisterService(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if serviceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务ID不能为空"))
	}

	h.mesh.DeregisterService(c.Request().Context(), serviceID)

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "注销成功", nil))
}

// healthUpdateRequest 表示心跳更新请求体
type healthUpdateRequest struct {
	Status            string   `json:"status"`
	CPU               *float64 `json:"cpu"`
	Memory            *float64 `json:"memory"`
	OpenConnections   *int     `json:"open_connections"`
	RequestsPerSecond *float64 `json:"requests_per_second"`
}

// updateServiceHealth 处理心跳更新请求
func (h *MeshHandler) updateServiceHealth(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if serviceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务ID不能为空"))
	}

	var req healthUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "解析请求体失败: "+err.Error()))
	}

	h.mesh.UpdateServiceHealth(c.Request().Context(), serviceID, registry.HealthUpdate{
		Status:            model.HealthStatus(req.Status),
		CPU:               req.CPU,
		Memory:            req.Memory,
		OpenConnections:   req.OpenConnections,
		RequestsPerSecond: req.RequestsPerSecond,
	})

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳已更新", nil))
}

// getQueueStats 处理队列统计请求
func (h *MeshHandler) getQueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", h.mesh.Queue().Stats()))
}

// reprocessDeadLetter 处理死信消息重新投递请求
func (h *MeshHandler) reprocessDeadLetter(c echo.Context) error {
	messageID := c.Param("messageId")
	if messageID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "消息ID不能为空"))
	}

	if !h.mesh.Queue().ReprocessDeadLetter(messageID) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "消息不在死信队列中: "+messageID))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "消息已重新入队", nil))
}
