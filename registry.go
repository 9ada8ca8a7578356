package ledger

import "sync"

type (
	// Kind describes one aggregate type: the category its streams live in,
	// the namespace owning its messages, and how its state is persisted
	Kind struct {
		Name         string
		Namespace    string
		Category     string
		Provider     string
		EventSourced bool
	}

	// Registry binds every message TypeTag to exactly one aggregate Kind. It
	// is built once at startup and is safe for concurrent reads
	Registry struct {
		kinds      map[string]*Kind
		categories map[string]*Kind
		messages   map[TypeTag]binding
		mu         sync.RWMutex
	}

	binding struct {
		kind    *Kind
		msgKind MessageKind
	}
)

// DefaultProvider names the storage provider used by state-stored Kinds that
// don't name one
const DefaultProvider = "default"

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		kinds:      map[string]*Kind{},
		categories: map[string]*Kind{},
		messages:   map[TypeTag]binding{},
	}
}

// RegisterKind adds an aggregate Kind. Names and categories must be unique
func (r *Registry) RegisterKind(k Kind) (*Kind, error) {
	if k.Name == "" {
		return nil, configErrorf("kind name must not be empty")
	}
	if err := checkCategoryName(k.Category); err != nil {
		return nil, err
	}
	if k.Provider == "" {
		k.Provider = DefaultProvider
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[k.Name]; ok {
		return nil, configErrorf("kind %q already registered", k.Name)
	}
	if other, ok := r.categories[k.Category]; ok {
		return nil, configErrorf(
			"category %q already used by kind %q", k.Category, other.Name,
		)
	}
	res := &k
	r.kinds[k.Name] = res
	r.categories[k.Category] = res
	return res, nil
}

// MustRegisterKind is RegisterKind that panics on error, for use in package
// initialization
func (r *Registry) MustRegisterKind(k Kind) *Kind {
	res, err := r.RegisterKind(k)
	if err != nil {
		panic(err)
	}
	return res
}

// RegisterEvent binds event tags to the named Kind
func (r *Registry) RegisterEvent(kind string, tags ...TypeTag) error {
	return r.register(kind, EventKind, tags)
}

// RegisterCommand binds command tags to the named Kind
func (r *Registry) RegisterCommand(kind string, tags ...TypeTag) error {
	return r.register(kind, CommandKind, tags)
}

func (r *Registry) register(
	name string, mk MessageKind, tags []TypeTag,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.kinds[name]
	if !ok {
		return configErrorf("kind %q is not registered", name)
	}
	for _, tag := range tags {
		ns, _, _, err := ParseTypeTag(tag)
		if err != nil {
			return configErrorf("%s", err)
		}
		if k.Namespace != "" && ns != k.Namespace {
			return configErrorf(
				"%s %q is outside namespace %q of kind %q",
				mk, tag, k.Namespace, k.Name,
			)
		}
		if b, ok := r.messages[tag]; ok {
			if b.kind == k && b.msgKind == mk {
				continue
			}
			return configErrorf(
				"%s %q already bound to kind %q", b.msgKind, tag, b.kind.Name,
			)
		}
		r.messages[tag] = binding{kind: k, msgKind: mk}
	}
	return nil
}

// Kind returns the Kind registered under name
func (r *Registry) Kind(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// KindForCategory returns the Kind whose streams live in category
func (r *Registry) KindForCategory(category string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.categories[category]
	return k, ok
}

// KindOf returns the Kind and MessageKind a tag is bound to
func (r *Registry) KindOf(tag TypeTag) (*Kind, MessageKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.messages[tag]
	if !ok {
		return nil, EventKind, configErrorf("message %q is not registered", tag)
	}
	return b.kind, b.msgKind, nil
}

// Known reports whether tag is bound to any Kind
func (r *Registry) Known(tag TypeTag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.messages[tag]
	return ok
}

// Check verifies that tag is registered as mk for exactly the given Kind
func (r *Registry) Check(k *Kind, tag TypeTag, mk MessageKind) error {
	bound, boundMK, err := r.KindOf(tag)
	if err != nil {
		return err
	}
	if bound != k {
		return configErrorf(
			"%s %q belongs to kind %q, not %q", boundMK, tag, bound.Name, k.Name,
		)
	}
	if boundMK != mk {
		return configErrorf("%q is registered as %s, not %s", tag, boundMK, mk)
	}
	return nil
}
