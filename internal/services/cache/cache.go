package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/objectstore"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrQuestionNotFound is returned when the paper has no record for the question
var ErrQuestionNotFound = errors.New("question not found")

const fullDocumentKey = "__full_document__"

// Recorder receives cache hit and miss events
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// Service resolves per-question context for one viewing session
type Service interface {
	Get(ref models.QuestionRef) (*models.ContextBundle, bool)
	FetchAndCache(ctx context.Context, ref models.QuestionRef) (*models.ContextBundle, error)
	FullDocument(ctx context.Context) (*models.FullDocument, error)
	Clear()
}

// ContextCache memoizes question bundles for a single exam paper
type ContextCache struct {
	paperID  string
	store    storage.DataStore
	objects  objectstore.Storage
	cfg      *config.ObjectStorageConfig
	cache    *cache.Cache
	group    singleflight.Group
	recorder Recorder
	logger   *logrus.Entry
}

// NewContextCache creates a cache bound to one paper. recorder may be nil.
func NewContextCache(paperID string, store storage.DataStore, objects objectstore.Storage, cfg *config.ObjectStorageConfig, recorder Recorder, logger *logrus.Logger) *ContextCache {
	return &ContextCache{
		paperID:  paperID,
		store:    store,
		objects:  objects,
		cfg:      cfg,
		cache:    cache.New(cache.NoExpiration, cache.NoExpiration),
		recorder: recorder,
		logger:   logger.WithField("paper_id", paperID),
	}
}

// Get returns a cached bundle
func (c *ContextCache) Get(ref models.QuestionRef) (*models.ContextBundle, bool) {
	if val, found := c.cache.Get(string(ref)); found {
		return val.(*models.ContextBundle), true
	}
	return nil, false
}

// FetchAndCache returns the bundle for ref, fetching it at most once per session
func (c *ContextCache) FetchAndCache(ctx context.Context, ref models.QuestionRef) (*models.ContextBundle, error) {
	if bundle, ok := c.Get(ref); ok {
		c.hit()
		c.logger.WithField("question", ref).Debug("Context cache hit")
		return bundle, nil
	}
	c.miss()

	val, err, _ := c.group.Do(string(ref), func() (interface{}, error) {
		// Another caller may have finished while we waited
		if bundle, ok := c.Get(ref); ok {
			return bundle, nil
		}
		bundle, err := c.fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		c.cache.Set(string(ref), bundle, cache.NoExpiration)
		return bundle, nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("question", ref).Warn("Context fetch failed")
		return nil, err
	}
	return val.(*models.ContextBundle), nil
}

func (c *ContextCache) fetch(ctx context.Context, ref models.QuestionRef) (*models.ContextBundle, error) {
	rec, err := c.store.QueryOne(ctx, storage.TableQuestions, storage.Filters{
		"exam_paper_id":   c.paperID,
		"question_number": string(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load question %s: %w", ref, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrQuestionNotFound, ref)
	}

	paths := append(rec.Strings("image_paths"), rec.Strings("marking_scheme_image_paths")...)
	if len(paths) == 0 {
		return nil, fmt.Errorf("question %s has no images", ref)
	}

	images, err := c.download(ctx, c.cfg.QuestionBucket, paths)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"question": ref,
		"images":   len(images),
	}).Debug("Context fetched")

	return &models.ContextBundle{
		Images:            images,
		MarkingSchemeText: rec.String("marking_scheme_text"),
		QuestionText:      rec.String("question_text"),
	}, nil
}

func (c *ContextCache) download(ctx context.Context, bucket string, paths []string) ([]string, error) {
	images := make([]string, 0, len(paths))
	for _, path := range paths {
		data, err := c.objects.Download(ctx, bucket, path)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", path, err)
		}
		encoded, err := objectstore.EncodeDataURL(data, c.cfg.MaxImageDimension)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", path, err)
		}
		images = append(images, encoded)
	}
	return images, nil
}

// FullDocument returns the whole exam and marking scheme for fallback requests
func (c *ContextCache) FullDocument(ctx context.Context) (*models.FullDocument, error) {
	if val, found := c.cache.Get(fullDocumentKey); found {
		return val.(*models.FullDocument), nil
	}

	val, err, _ := c.group.Do(fullDocumentKey, func() (interface{}, error) {
		paper, err := c.store.QueryOne(ctx, storage.TablePapers, storage.Filters{"id": c.paperID})
		if err != nil {
			return nil, fmt.Errorf("failed to load paper: %w", err)
		}
		if paper == nil {
			return nil, fmt.Errorf("paper %s not found", c.paperID)
		}

		examPath := paper.String("exam_paper_path")
		if examPath == "" {
			return nil, fmt.Errorf("paper %s has no exam document", c.paperID)
		}
		exam, err := c.download(ctx, c.cfg.PaperBucket, []string{examPath})
		if err != nil {
			return nil, err
		}

		doc := &models.FullDocument{ExamImages: exam}
		if schemePath := paper.String("marking_scheme_path"); schemePath != "" {
			scheme, err := c.download(ctx, c.cfg.PaperBucket, []string{schemePath})
			if err != nil {
				return nil, err
			}
			doc.MarkingSchemeImages = scheme
		}

		c.cache.Set(fullDocumentKey, doc, cache.NoExpiration)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*models.FullDocument), nil
}

// Clear drops everything cached for the session
func (c *ContextCache) Clear() {
	c.cache.Flush()
	c.logger.Debug("Context cache cleared")
}

func (c *ContextCache) hit() {
	if c.recorder != nil {
		c.recorder.RecordCacheHit()
	}
}

func (c *ContextCache) miss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss()
	}
}
