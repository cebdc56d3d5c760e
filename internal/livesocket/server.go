package livesocket

import "github.com/gin-gonic/gin"

// RegisterRoutes wires the /chat and /local-executor upgrade endpoints
// onto an existing gin engine/group.
func RegisterRoutes(r gin.IRoutes, chat *ChatServer, device *DeviceServer) {
	r.GET("/chat", chat.HandleConnection)
	r.GET("/local-executor", device.HandleConnection)
}
