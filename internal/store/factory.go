package store

import "fmt"

// New creates a Store based on the provided Config. It dispatches to the
// backend constructor and wraps the result in a retrying Store when
// MaxRetries > 0.
func New(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "s3":
		s, err = newS3Store(cfg)
	case "azure":
		s, err = newAzureStore(cfg)
	case "gcs":
		s, err = newGCSStore(cfg)
	case "memory":
		return GetOrCreateMemoryStore(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported artifact store type: %q (must be s3, azure, gcs, or memory)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("creating %s artifact store %q: %w", cfg.Type, cfg.Name, err)
	}

	if cfg.MaxRetries > 0 {
		s = NewRetryStore(s, cfg.MaxRetries, cfg.RetryBackoff)
	}
	return s, nil
}

func (cfg Config) validate() error {
	switch cfg.Type {
	case "s3", "gcs":
		if cfg.Bucket == "" {
			return fmt.Errorf("%s artifact store %q requires a bucket", cfg.Type, cfg.Name)
		}
	case "azure":
		if cfg.StorageAccount == "" || cfg.ContainerName == "" {
			return fmt.Errorf("azure artifact store %q requires storage_account and container_name", cfg.Name)
		}
	}
	return nil
}
