package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fitroom/internal/entity"
	"fitroom/internal/model"
	"fitroom/internal/storage"
	"fitroom/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AssetService 素材服务：上传、可见性管理与删除。
type AssetService struct {
	repo    model.Repository
	storage storage.Storage
	tryOn   *TryOnService
}

// NewAssetService 创建素材服务实例。
func NewAssetService(repo model.Repository, store storage.Storage, tryOn *TryOnService) *AssetService {
	return &AssetService{repo: repo, storage: store, tryOn: tryOn}
}

// CreateAsset 接收 URL 或 base64 负载，持久化到存储并登记素材。
func (s *AssetService) CreateAsset(ctx context.Context, userID uint, req entity.AssetCreateRequest) (*entity.DbAsset, error) {
	if !entity.ValidAssetKind(req.Kind) {
		return nil, fmt.Errorf("unsupported asset kind: %s", req.Kind)
	}

	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return nil, errors.New("asset payload is required")
	}

	var (
		data []byte
		ext  string
		err  error
	)
	if utils.IsRemoteURL(payload) {
		data, ext, err = utils.DownloadMedia(ctx, payload)
	} else {
		data, ext, err = utils.DecodeMediaPayload(payload)
		if err != nil {
			data, ext, err = utils.DecodeMediaPayload(utils.EnsureDataURL(payload))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve asset payload: %w", err)
	}

	path, err := s.storage.Save(ctx, data, storage.SaveOptions{
		Category:  categoryForAssetKind(req.Kind),
		Extension: ext,
	})
	if err != nil {
		return nil, fmt.Errorf("persist asset: %w", err)
	}

	asset := &entity.DbAsset{
		UserID:   userID,
		Kind:     req.Kind,
		Name:     strings.TrimSpace(req.Name),
		Path:     path,
		IsPublic: req.IsPublic,
	}
	if err := s.repo.CreateAsset(ctx, asset); err != nil {
		// 素材落库失败时清掉刚写入的文件，避免孤儿对象。
		if delErr := s.storage.Delete(ctx, path); delErr != nil {
			logrus.WithError(delErr).WithField("path", path).Warn("cleanup orphan asset file failed")
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"asset_id": asset.ID,
		"user_id":  userID,
		"kind":     asset.Kind,
		"size":     len(data),
	}).Info("asset created")

	return asset, nil
}

// GetAsset 返回对用户可见的素材。
func (s *AssetService) GetAsset(ctx context.Context, userID uint, assetID uint) (*entity.DbAsset, error) {
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotAvailable
		}
		return nil, err
	}
	if !asset.VisibleTo(userID) {
		return nil, ErrAssetNotAvailable
	}
	return asset, nil
}

// ListAssets 返回用户自己的素材，以及可选的公开素材。
func (s *AssetService) ListAssets(ctx context.Context, userID uint, params *entity.AssetQuery) (*entity.AssetListResponse, error) {
	if params == nil {
		params = &entity.AssetQuery{}
	}
	params.UserID = userID

	assets, meta, err := s.repo.ListAssets(ctx, params)
	if err != nil {
		return nil, err
	}

	items := make([]entity.AssetItem, 0, len(assets))
	for _, asset := range assets {
		items = append(items, entity.AssetItem{
			ID:        asset.ID,
			Kind:      asset.Kind,
			Name:      asset.Name,
			Path:      asset.Path,
			URL:       s.tryOn.AssetURL(asset.Path),
			IsPublic:  asset.IsPublic,
			OwnerID:   asset.UserID,
			CreatedAt: asset.CreatedAt,
		})
	}
	return &entity.AssetListResponse{Assets: items, Meta: meta}, nil
}

// UpdateAsset 更新素材名称或可见性，仅限本人素材。
func (s *AssetService) UpdateAsset(ctx context.Context, userID uint, assetID uint, updates entity.AssetUpdates) error {
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAssetNotAvailable
		}
		return err
	}
	if asset.UserID != userID {
		return ErrAssetNotAvailable
	}
	if updates.IsEmpty() {
		return nil
	}
	return s.repo.UpdateAsset(ctx, assetID, updates)
}

// DeleteAsset 删除本人素材及其存储文件。
func (s *AssetService) DeleteAsset(ctx context.Context, userID uint, assetID uint) error {
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAssetNotAvailable
		}
		return err
	}
	if asset.UserID != userID {
		return ErrAssetNotAvailable
	}

	if err := s.repo.DeleteAsset(ctx, assetID); err != nil {
		return err
	}

	if asset.Path != "" && !utils.IsRemoteURL(asset.Path) {
		if err := s.storage.Delete(ctx, asset.Path); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"asset_id": assetID,
				"path":     asset.Path,
			}).Warn("delete asset file failed")
		}
	}
	return nil
}

func categoryForAssetKind(kind string) string {
	switch kind {
	case entity.AssetKindPerson:
		return storage.CategoryPersons
	case entity.AssetKindGarment:
		return storage.CategoryGarments
	case entity.AssetKindScene:
		return storage.CategoryScenes
	default:
		return "misc"
	}
}
