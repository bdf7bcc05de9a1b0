package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/api/middleware"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/store"

	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

// postcardRequest 创建与更新明信片的请求参数。
type postcardRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Images      []string `json:"images"`
}

type postcardResponse struct {
	model.Postcard
	ImageURLs []string `json:"image_urls"`
}

func (s *Server) toResponse(card model.Postcard) postcardResponse {
	urls := make([]string, 0, len(card.Images))
	for _, key := range card.Images {
		if s.images != nil {
			urls = append(urls, s.images.URL(key))
		} else {
			urls = append(urls, key)
		}
	}
	if card.Images == nil {
		card.Images = []string{}
	}
	return postcardResponse{Postcard: card, ImageURLs: urls}
}

// handleListPostcards 返回当前用户的明信片，按日期倒序。
func (s *Server) handleListPostcards(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	cards, err := s.postcards.ListPostcards(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("list postcards failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list postcards failed"})
		return
	}
	out := make([]postcardResponse, 0, len(cards))
	for _, card := range cards {
		out = append(out, s.toResponse(card))
	}
	c.JSON(http.StatusOK, out)
}

// handleCreatePostcard 创建明信片。
func (s *Server) handleCreatePostcard(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	var req postcardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	card, err := s.normalizePostcard(userID, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.postcards.CreatePostcard(c.Request.Context(), card); err != nil {
		s.logger.Error("create postcard failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create postcard failed"})
		return
	}
	s.logger.Info("postcard created",
		slog.Uint64("user_id", uint64(userID)),
		slog.Uint64("postcard_id", uint64(card.ID)))
	c.JSON(http.StatusCreated, s.toResponse(*card))
}

// handleUpdatePostcard 覆盖明信片内容，移除的图片会从对象存储删除。
func (s *Server) handleUpdatePostcard(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid postcard id"})
		return
	}
	var req postcardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	card, err := s.normalizePostcard(userID, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := s.postcards.FindPostcard(c.Request.Context(), userID, id)
	if err != nil {
		s.writeStoreError(c, "find postcard", err)
		return
	}
	card.ID = existing.ID
	card.CreatedAt = existing.CreatedAt
	if err := s.postcards.UpdatePostcard(c.Request.Context(), card); err != nil {
		s.writeStoreError(c, "update postcard", err)
		return
	}
	s.removeImages(c.Request.Context(), removedImages(existing.Images, card.Images))
	c.JSON(http.StatusOK, s.toResponse(*card))
}

// handleDeletePostcard 删除明信片及其图片。
func (s *Server) handleDeletePostcard(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid postcard id"})
		return
	}

	card, err := s.postcards.FindPostcard(c.Request.Context(), userID, id)
	if err != nil {
		s.writeStoreError(c, "find postcard", err)
		return
	}
	if err := s.postcards.DeletePostcard(c.Request.Context(), userID, id); err != nil {
		s.writeStoreError(c, "delete postcard", err)
		return
	}
	s.removeImages(c.Request.Context(), card.Images)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleUploadImage 接收 multipart 字段 image 并写入对象存储。
func (s *Server) handleUploadImage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	if s.images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}

	maxBytes := s.cfg.Storage.MaxImageBytes
	// 预留 multipart 头部的空间
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)
	fileHeader, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return
	}
	if fileHeader.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only image uploads are allowed"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read image failed"})
		return
	}
	defer f.Close()

	key, err := s.images.Put(c.Request.Context(), userID, fileHeader.Filename, contentType, f, fileHeader.Size)
	if err != nil {
		s.logger.Error("upload image failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload image failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "url": s.images.URL(key)})
}

// normalizePostcard 校验请求并把图片统一为当前用户名下的对象 key。
func (s *Server) normalizePostcard(userID uint, req postcardRequest) (*model.Postcard, error) {
	title := strings.TrimSpace(req.Title)
	date := strings.TrimSpace(req.Date)
	if title == "" || date == "" {
		return nil, fmt.Errorf("title and date are required")
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD")
	}
	if len(req.Images) > model.MaxPostcardImages {
		return nil, fmt.Errorf("at most %d images allowed", model.MaxPostcardImages)
	}

	owner := strconv.FormatUint(uint64(userID), 10) + "/"
	images := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		img = strings.TrimSpace(img)
		if s.images != nil {
			if key, ok := s.images.KeyFromURL(img); ok {
				img = key
			}
		}
		if !strings.HasPrefix(img, owner) {
			return nil, fmt.Errorf("unknown image %q", img)
		}
		images = append(images, img)
	}

	return &model.Postcard{
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Date:        date,
		Images:      images,
	}, nil
}

func (s *Server) writeStoreError(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "postcard not found"})
		return
	}
	s.logger.Error(op+" failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

func removedImages(before, after []string) []string {
	keep := make(map[string]struct{}, len(after))
	for _, key := range after {
		keep[key] = struct{}{}
	}
	var removed []string
	for _, key := range before {
		if _, ok := keep[key]; !ok {
			removed = append(removed, key)
		}
	}
	return removed
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}
