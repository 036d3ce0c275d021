package rest

import "github.com/gin-gonic/gin"

// Handlers groups the REST handlers mounted under /api.
type Handlers struct {
	Auth    *AuthHandler
	Users   *UserHandler
	Friends *FriendHandler
	Posts   *PostHandler
	Admin   *AdminHandler
}

// Mount registers every REST route on api. requireAuth guards the
// user-facing groups; admin routes are guarded by the admin key instead.
func Mount(api *gin.RouterGroup, h *Handlers, requireAuth gin.HandlersChain, adminKey string) {
	authG := api.Group("/auth")
	{
		authG.POST("/register", h.Auth.Register)
		authG.POST("/login", h.Auth.Login)
		authG.POST("/logout", with(requireAuth, h.Auth.Logout)...)
		authG.POST("/refresh", with(requireAuth, h.Auth.Refresh)...)
	}

	usersG := api.Group("/users", requireAuth...)
	{
		usersG.GET("/search", h.Users.Search)
		usersG.PUT("/me", h.Users.UpdateMe)
		usersG.GET("/:id", h.Users.Get)
	}

	friendsG := api.Group("/friends", requireAuth...)
	{
		friendsG.GET("", h.Friends.List)
		friendsG.POST("/request", h.Friends.SendRequest)
		friendsG.GET("/requests", h.Friends.Pending)
		friendsG.PUT("/request/:id/accept", h.Friends.Accept)
		friendsG.PUT("/request/:id/decline", h.Friends.Decline)
		friendsG.DELETE("/:friendId", h.Friends.Remove)
	}

	postsG := api.Group("/posts", requireAuth...)
	{
		postsG.GET("", h.Posts.Feed)
		postsG.POST("", h.Posts.Create)
		postsG.PUT("/:id", h.Posts.Update)
		postsG.DELETE("/:id", h.Posts.Delete)
		postsG.POST("/:id/like", h.Posts.Like)
		postsG.POST("/:id/comment", h.Posts.Comment)
		postsG.GET("/:id/comments", h.Posts.Comments)
	}

	if h.Admin != nil {
		adminG := api.Group("/admin", AdminAuth(adminKey))
		{
			adminG.GET("/metrics", h.Admin.Metrics)
			adminG.GET("/connections", h.Admin.Connections)
			adminG.GET("/rooms/:id", h.Admin.Room)
			adminG.POST("/announce", h.Admin.Announce)
			adminG.POST("/kick/:id", h.Admin.Kick)
			adminG.POST("/users/:id/ban", h.Admin.Ban)
			adminG.POST("/reconcile", h.Admin.Reconcile)
		}
	}
}

func with(chain gin.HandlersChain, h gin.HandlerFunc) gin.HandlersChain {
	out := make(gin.HandlersChain, 0, len(chain)+1)
	return append(append(out, chain...), h)
}
