package configure

/*
	세션마다 선택된 마스터 스트림과 동기화 on/off 상태는 로컬 캐시나 redis 에 저장된다.
	redis 환경에서는 같은 스트림 세트를 재생하는 여러 인스턴스가 하나의 선택을 공유하고
	재시작 후에도 유지된다.(지속성 확장성)
	로컬 환경에서는 프로세스가 살아있는 동안만 유지된다.(간단한 셋업)
*/
import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v7"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const selectionKeyPrefix = "livesync:selection:"

// Selection is the user facing state of a sync session.
type Selection struct {
	MasterIndex int  `json:"master_index"`
	Enabled     bool `json:"enabled"`
}

type SelectionStore struct {
	redisCli   *redis.Client
	localCache *cache.Cache
}

// NewSelectionStore returns a store backed by redis when redisAddr is set and
// by a process local cache otherwise.
func NewSelectionStore(redisAddr, redisPwd string) (*SelectionStore, error) {
	s := &SelectionStore{}
	// redis 주소가 없으면 로컬 캐시를 사용한다.
	if len(redisAddr) == 0 {
		s.localCache = cache.New(cache.NoExpiration, 0)
		return s, nil
	}

	s.redisCli = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPwd,
		DB:       0,
	})
	// 연결 확인. 실패하면 호출자가 기동을 중단한다.
	if _, err := s.redisCli.Ping().Result(); err != nil {
		s.redisCli.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("Redis connected")
	return s, nil
}

func (s *SelectionStore) Shared() bool {
	return s.redisCli != nil
}

// Load returns the stored selection of session. found is false when nothing
// was saved yet.
func (s *SelectionStore) Load(session string) (sel Selection, found bool, err error) {
	if s.redisCli == nil {
		v, ok := s.localCache.Get(session)
		if !ok {
			return sel, false, nil
		}
		return v.(Selection), true, nil
	}

	// redis 에는 json 으로 직렬화된 값이 세션 이름 키로 저장된다.
	b, err := s.redisCli.Get(selectionKeyPrefix + session).Bytes()
	if err == redis.Nil {
		return sel, false, nil
	} else if err != nil {
		return sel, false, err
	}
	if err = json.Unmarshal(b, &sel); err != nil {
		return sel, false, fmt.Errorf("decode selection %s: %w", session, err)
	}
	return sel, true, nil
}

func (s *SelectionStore) Save(session string, sel Selection) error {
	if s.redisCli == nil {
		s.localCache.SetDefault(session, sel)
		return nil
	}

	b, err := json.Marshal(sel)
	if err != nil {
		return err
	}
	return s.redisCli.Set(selectionKeyPrefix+session, b, 0).Err()
}

// Restore returns the stored selection of session, falling back to def when
// nothing is stored or the stored master does not fit count streams.
func (s *SelectionStore) Restore(session string, count int, def Selection) Selection {
	sel, found, err := s.Load(session)
	if err != nil {
		log.Warningf("[SELECTION] load %s: %v", session, err)
		return def
	}
	if !found {
		return def
	}
	// 스트림 세트가 줄어든 경우 저장된 마스터는 무시하고 on/off 상태만 살린다.
	if sel.MasterIndex < 0 || sel.MasterIndex >= count {
		log.Warningf("[SELECTION] stored master %d out of range for %d streams, ignored", sel.MasterIndex, count)
		return Selection{MasterIndex: def.MasterIndex, Enabled: sel.Enabled}
	}
	log.Debugf("[SELECTION] restored %s: %+v", session, sel)
	return sel
}

func (s *SelectionStore) Close() error {
	if s.redisCli == nil {
		return nil
	}
	return s.redisCli.Close()
}
