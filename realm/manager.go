package realm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Manager the set of realms served by the router
type Manager interface {
	// Lookup fetch the realm a HELLO names. Unknown realms are created when
	// auto-creation is enabled, otherwise a wamp.ErrNoSuchRealm error is returned.
	Lookup(name string) (Realm, error)

	// Realm fetch an existing realm
	Realm(name string) (Realm, bool)

	// Realms all realms, ordered by name
	Realms() []Realm
}

// ManagerParams parameters for defining a Manager
type ManagerParams struct {
	// Realms realms defined at start
	Realms []string `validate:"omitempty,dive,required"`
	// AutoCreate whether a HELLO for an unknown realm defines it
	AutoCreate bool
	// CallTimeout how long a CALL waits for the callee's answer
	CallTimeout time.Duration `validate:"gt=0"`
	// Observer optional observer of every routed publication
	Observer PublicationObserver
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	lock     sync.RWMutex
	realms   map[string]Realm
	params   ManagerParams
	rootCtxt context.Context
	wg       *sync.WaitGroup
}

// DefineManager define a new realm Manager
//
//	@param params ManagerParams - manager parameters
//	@param rootCtxt context.Context - context bounding the realms' timers
//	@param wg *sync.WaitGroup - wait group tracking the realms' timers
func DefineManager(
	params ManagerParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (Manager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid realm manager parameters: %w", err)
	}
	logTags := log.Fields{"module": "realm", "component": "manager"}
	instance := &managerImpl{
		Component: common.Component{LogTags: logTags},
		realms:    make(map[string]Realm),
		params:    params,
		rootCtxt:  rootCtxt,
		wg:        wg,
	}
	for _, name := range params.Realms {
		if _, err := instance.define(name); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// define define a realm. Caller holds the write lock or has exclusive access.
func (m *managerImpl) define(name string) (Realm, error) {
	if existing, ok := m.realms[name]; ok {
		return existing, nil
	}
	instance, err := DefineRealm(
		name, m.params.CallTimeout, m.params.Observer, m.rootCtxt, m.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to define realm '%s'", name)
		return nil, err
	}
	m.realms[name] = instance
	log.WithFields(m.LogTags).Infof("Defined realm '%s'", name)
	return instance, nil
}

func (m *managerImpl) Lookup(name string) (Realm, error) {
	if existing, ok := m.Realm(name); ok {
		return existing, nil
	}
	if !m.params.AutoCreate {
		return nil, wamp.Errorf(wamp.ErrNoSuchRealm, "realm '%s' does not exist", name)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.define(name)
}

func (m *managerImpl) Realm(name string) (Realm, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	existing, ok := m.realms[name]
	return existing, ok
}

func (m *managerImpl) Realms() []Realm {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]Realm, 0, len(m.realms))
	for _, entry := range m.realms {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}
